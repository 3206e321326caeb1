package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"trailsync/internal/models"
	"trailsync/internal/upsert"
)

// rejected tags data exceptions (class 22) and integrity violations (class 23)
// with upsert.ErrRejected. Those come from the record, not the database.
func rejected(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %w", upsert.ErrRejected, err)
	}
	return err
}

// valuesList renders "($1, $2), ($3, $4)" for rows*cols positional parameters.
func valuesList(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func recordKey(userID string, src models.DataSource, providerID string) string {
	return userID + "|" + string(src) + "|" + providerID
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// CheckInInserter writes check-ins and their photos.
type CheckInInserter struct {
	pool *pgxpool.Pool
}

// CheckIns returns the check-in inserter.
func (s *Store) CheckIns() *CheckInInserter {
	return &CheckInInserter{pool: s.pool}
}

var _ upsert.Inserter[models.CheckIn] = (*CheckInInserter)(nil)

const checkInColumns = `user_id, data_source, provider_id, venue_id, venue_name, venue_category,
	latitude, longitude, city, country, shout, checked_in_at`

const (
	checkInColumnCount = 12
	photoColumnCount   = 6
)

func checkInArgs(c models.CheckIn) []any {
	return []any{
		c.UserID, string(c.DataSource), c.ProviderID, nullString(c.VenueID), c.VenueName, nullString(c.VenueCategory),
		c.Latitude, c.Longitude, nullString(c.City), nullString(c.Country), nullString(c.Shout), c.CheckedInAt.UTC(),
	}
}

func (i *CheckInInserter) Key(c models.CheckIn) string {
	return recordKey(c.UserID, c.DataSource, c.ProviderID)
}

// InsertBatch inserts all check-ins in one statement, then attaches photos to
// both new and pre-existing parents.
func (i *CheckInInserter) InsertBatch(ctx context.Context, records []models.CheckIn) (upsert.Counts, error) {
	var counts upsert.Counts
	if len(records) == 0 {
		return counts, nil
	}

	err := pgx.BeginFunc(ctx, i.pool, func(tx pgx.Tx) error {
		args := make([]any, 0, len(records)*checkInColumnCount)
		for _, r := range records {
			args = append(args, checkInArgs(r)...)
		}
		rows, err := tx.Query(ctx, `
			INSERT INTO checkins (`+checkInColumns+`)
			VALUES `+valuesList(len(records), checkInColumnCount)+`
			ON CONFLICT (user_id, data_source, provider_id) DO NOTHING
			RETURNING id, user_id, data_source, provider_id`, args...)
		if err != nil {
			return fmt.Errorf("insert checkins: %w", err)
		}
		parents, err := collectParentIDs(rows)
		if err != nil {
			return err
		}
		counts.Inserted = len(parents)

		var missing []models.CheckIn
		for _, r := range records {
			if _, ok := parents[i.Key(r)]; !ok && len(r.Photos) > 0 {
				missing = append(missing, r)
			}
		}
		if err := lookupParentIDs(ctx, tx, missing, parents); err != nil {
			return err
		}

		counts.Children, err = insertPhotos(ctx, tx, records, parents)
		return err
	})
	if err != nil {
		return upsert.Counts{}, err
	}
	return counts, nil
}

// InsertOne inserts a single check-in. Photos are attached even when the
// check-in already existed.
func (i *CheckInInserter) InsertOne(ctx context.Context, record models.CheckIn) (upsert.Counts, error) {
	var counts upsert.Counts
	err := pgx.BeginFunc(ctx, i.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO checkins (`+checkInColumns+`)
			VALUES `+valuesList(1, checkInColumnCount)+`
			ON CONFLICT (user_id, data_source, provider_id) DO NOTHING
			RETURNING id`, checkInArgs(record)...).Scan(&id)
		switch {
		case err == nil:
			counts.Inserted = 1
		case errors.Is(err, pgx.ErrNoRows):
			if len(record.Photos) == 0 {
				return nil
			}
			err = tx.QueryRow(ctx, `
				SELECT id FROM checkins WHERE user_id = $1 AND data_source = $2 AND provider_id = $3`,
				record.UserID, string(record.DataSource), record.ProviderID).Scan(&id)
			if err != nil {
				return fmt.Errorf("lookup checkin: %w", err)
			}
		default:
			return fmt.Errorf("insert checkin: %w", err)
		}

		counts.Children, err = insertPhotos(ctx, tx, []models.CheckIn{record}, map[string]int64{i.Key(record): id})
		return err
	})
	if err != nil {
		return upsert.Counts{}, rejected(err)
	}
	return counts, nil
}

func collectParentIDs(rows pgx.Rows) (map[string]int64, error) {
	defer rows.Close()
	ids := make(map[string]int64)
	for rows.Next() {
		var (
			id                      int64
			userID, src, providerID string
		)
		if err := rows.Scan(&id, &userID, &src, &providerID); err != nil {
			return nil, fmt.Errorf("scan checkin id: %w", err)
		}
		ids[recordKey(userID, models.DataSource(src), providerID)] = id
	}
	return ids, rows.Err()
}

func lookupParentIDs(ctx context.Context, tx pgx.Tx, records []models.CheckIn, into map[string]int64) error {
	if len(records) == 0 {
		return nil
	}
	users := make([]string, len(records))
	sources := make([]string, len(records))
	providerIDs := make([]string, len(records))
	for n, r := range records {
		users[n], sources[n], providerIDs[n] = r.UserID, string(r.DataSource), r.ProviderID
	}
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.user_id, c.data_source, c.provider_id
		FROM checkins c
		JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(user_id, data_source, provider_id)
		  USING (user_id, data_source, provider_id)`, users, sources, providerIDs)
	if err != nil {
		return fmt.Errorf("lookup checkins: %w", err)
	}
	found, err := collectParentIDs(rows)
	if err != nil {
		return err
	}
	for k, id := range found {
		into[k] = id
	}
	return nil
}

// insertPhotos writes the photos of every record whose parent id is known.
// Photos already attached are skipped by their own natural key.
func insertPhotos(ctx context.Context, tx pgx.Tx, records []models.CheckIn, parents map[string]int64) (int, error) {
	var args []any
	rowsN := 0
	for _, r := range records {
		id, ok := parents[recordKey(r.UserID, r.DataSource, r.ProviderID)]
		if !ok {
			continue
		}
		for _, p := range r.Photos {
			args = append(args, id, p.ProviderID, p.URL, nullInt(p.Width), nullInt(p.Height), nullTime(p.CreatedAt))
			rowsN++
		}
	}
	if rowsN == 0 {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO checkin_photos (checkin_id, provider_id, url, width, height, created_at)
		VALUES `+valuesList(rowsN, photoColumnCount)+`
		ON CONFLICT (checkin_id, provider_id) DO NOTHING`, args...)
	if err != nil {
		return 0, fmt.Errorf("insert checkin photos: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActivityInserter writes fitness activities.
type ActivityInserter struct {
	pool *pgxpool.Pool
}

// Activities returns the activity inserter.
func (s *Store) Activities() *ActivityInserter {
	return &ActivityInserter{pool: s.pool}
}

var _ upsert.Inserter[models.Activity] = (*ActivityInserter)(nil)

const activityColumns = `user_id, data_source, provider_id, name, sport_type, started_at, elapsed_seconds,
	moving_seconds, distance_meters, elevation_gain_m, start_latitude, start_longitude, polyline, archive_key`

const activityColumnCount = 14

func activityArgs(a models.Activity) []any {
	return []any{
		a.UserID, string(a.DataSource), a.ProviderID, nullString(a.Name), a.SportType, a.StartedAt.UTC(),
		a.ElapsedSeconds, a.MovingSeconds, a.DistanceMeters, a.ElevationGainM, a.StartLatitude, a.StartLongitude,
		nullString(a.Polyline), nullString(a.ArchiveKey),
	}
}

func (i *ActivityInserter) Key(a models.Activity) string {
	return recordKey(a.UserID, a.DataSource, a.ProviderID)
}

func (i *ActivityInserter) InsertBatch(ctx context.Context, records []models.Activity) (upsert.Counts, error) {
	if len(records) == 0 {
		return upsert.Counts{}, nil
	}
	args := make([]any, 0, len(records)*activityColumnCount)
	for _, r := range records {
		args = append(args, activityArgs(r)...)
	}
	tag, err := i.pool.Exec(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES `+valuesList(len(records), activityColumnCount)+`
		ON CONFLICT (user_id, data_source, provider_id) DO NOTHING`, args...)
	if err != nil {
		return upsert.Counts{}, fmt.Errorf("insert activities: %w", err)
	}
	return upsert.Counts{Inserted: int(tag.RowsAffected())}, nil
}

func (i *ActivityInserter) InsertOne(ctx context.Context, record models.Activity) (upsert.Counts, error) {
	c, err := i.InsertBatch(ctx, []models.Activity{record})
	return c, rejected(err)
}
