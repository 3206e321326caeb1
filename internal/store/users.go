package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trailsync/internal/models"
)

// ListActiveUsers returns users who logged in at or after since and hold
// credentials for src, oldest account first.
func (s *Store) ListActiveUsers(ctx context.Context, since time.Time, src models.DataSource) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.last_login_at, u.created_at
		FROM users u
		JOIN provider_credentials c ON c.user_id = u.id AND c.data_source = $2
		WHERE u.last_login_at >= $1
		ORDER BY u.created_at, u.id`, since.UTC(), string(src))
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.LastLoginAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LastSyncAt returns the user's checkpoint for src, nil when never synced.
func (s *Store) LastSyncAt(ctx context.Context, userID string, src models.DataSource) (*time.Time, error) {
	col, err := checkpointColumn(src)
	if err != nil {
		return nil, err
	}
	var at *time.Time
	err = s.pool.QueryRow(ctx, `SELECT `+col+` FROM users WHERE id = $1`, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query last sync: %w", err)
	}
	return at, nil
}

// AdvanceLastSync moves the checkpoint for src to at unless it already points
// at or past it. It reports whether the row changed.
func (s *Store) AdvanceLastSync(ctx context.Context, userID string, src models.DataSource, at time.Time) (bool, error) {
	col, err := checkpointColumn(src)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET `+col+` = $2
		WHERE id = $1 AND (`+col+` IS NULL OR `+col+` < $2)`, userID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("advance last sync: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UserExists reports whether a user row is present.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return ok, nil
}
