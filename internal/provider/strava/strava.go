// Package strava imports workouts from the page-numbered activities API and
// enriches each one with its full-resolution route.
package strava

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trailsync/internal/archive"
	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/provider"
	"trailsync/internal/upsert"
)

const defaultPageSize = 100

type Adapter struct {
	client   *provider.Client
	inserter upsert.Inserter[models.Activity]
	archiver archive.Archiver
	opts     provider.Options
	log      *slog.Logger
}

// New builds the adapter. archiver may be nil to skip raw payload archiving.
func New(client *provider.Client, inserter upsert.Inserter[models.Activity], archiver archive.Archiver, opts provider.Options, log *slog.Logger) *Adapter {
	client.WithRateLimit(rateLimit)
	return &Adapter{
		client:   client,
		inserter: inserter,
		archiver: archiver,
		opts:     opts.WithDefaults(defaultPageSize),
		log:      log.With("source", models.SourceStrava),
	}
}

func (a *Adapter) Source() models.DataSource { return models.SourceStrava }

func (a *Adapter) IncrementalSync(ctx context.Context, s *provider.Session, since time.Time, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.IncrementalBoundary(since, a.opts.Lookback), obs)
}

func (a *Adapter) FullHistoricalSync(ctx context.Context, s *provider.Session, yearsBack int, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.HistoricalBoundary(a.client.Now(), yearsBack), obs)
}

type activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"`
	StartDate          time.Time `json:"start_date"`
	ElapsedTime        int       `json:"elapsed_time"`
	MovingTime         int       `json:"moving_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartLatLng        []float64 `json:"start_latlng"`
	Map                struct {
		Polyline        string `json:"polyline"`
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`

	raw []byte
}

func (a *Adapter) run(ctx context.Context, s *provider.Session, boundary time.Time, obs progress.Observer) (provider.Result, error) {
	cur := provider.StartCursor(s, boundary, 1, a.log)
	res := provider.Result{Fetched: cur.Fetched}
	enricher := &provider.Enricher[activity]{
		Concurrency: a.opts.DetailConcurrency,
		Fetch: func(ctx context.Context, act activity) (activity, error) {
			return a.detail(ctx, s, act)
		},
		Log: a.log,
	}

	for batch := 1; batch <= a.opts.MaxPages; batch++ {
		q := url.Values{}
		q.Set("after", strconv.FormatInt(cur.Since.Unix(), 10))
		q.Set("page", strconv.Itoa(cur.Position))
		q.Set("per_page", strconv.Itoa(a.opts.PageSize))

		var page []activity
		if _, err := a.client.GetJSON(ctx, s, "list activities", "/athlete/activities", q, &page); err != nil {
			return res, err
		}

		enriched, err := enricher.Enrich(ctx, page)
		if err != nil {
			return res, err
		}
		records := make([]models.Activity, 0, len(enriched))
		for _, act := range enriched {
			records = append(records, a.toActivity(ctx, s.UserID, act))
		}
		ins, err := provider.InsertInBatches(ctx, a.inserter, records, a.opts.SubBatchSize, a.log)
		res.Fetched += len(page)
		res.Add(ins)
		if err != nil {
			return res, err
		}

		cur.Position++
		cur.Fetched = res.Fetched
		obs.Observe(ctx, progress.Update{
			Fetched:  res.Fetched,
			Imported: res.Imported,
			Batch:    batch,
			Cursor:   cur.Encode(),
		})

		if len(page) < a.opts.PageSize {
			return res, nil
		}
	}
	a.log.Warn("page cap reached", "user_id", s.UserID, "pages", a.opts.MaxPages)
	return res, nil
}

func (a *Adapter) detail(ctx context.Context, s *provider.Session, summary activity) (activity, error) {
	var out activity
	raw, err := a.client.GetJSON(ctx, s, "get activity", fmt.Sprintf("/activities/%d", summary.ID), nil, &out)
	if err != nil {
		return summary, err
	}
	out.raw = raw
	return out, nil
}

func (a *Adapter) toActivity(ctx context.Context, userID string, act activity) models.Activity {
	out := models.Activity{
		UserID:         userID,
		DataSource:     models.SourceStrava,
		ProviderID:     strconv.FormatInt(act.ID, 10),
		Name:           act.Name,
		SportType:      act.SportType,
		StartedAt:      act.StartDate.UTC(),
		ElapsedSeconds: act.ElapsedTime,
		MovingSeconds:  act.MovingTime,
		DistanceMeters: act.Distance,
		ElevationGainM: act.TotalElevationGain,
		Polyline:       act.Map.Polyline,
	}
	if out.SportType == "" {
		out.SportType = act.Type
	}
	if out.Polyline == "" {
		out.Polyline = act.Map.SummaryPolyline
	}
	if len(act.StartLatLng) == 2 {
		lat, lng := act.StartLatLng[0], act.StartLatLng[1]
		out.StartLatitude, out.StartLongitude = &lat, &lng
	}
	if a.archiver != nil && len(act.raw) > 0 {
		key := archive.Key(models.SourceStrava, userID, out.ProviderID)
		if _, err := a.archiver.Put(ctx, key, act.raw, "application/json"); err != nil {
			a.log.Warn("archive activity failed", "activity_id", out.ProviderID, "error", err)
		} else {
			out.ArchiveKey = key
		}
	}
	return out
}

// rateLimit reads the two-window budget headers: X-RateLimit-Limit and
// X-RateLimit-Usage carry "fifteen_minute,daily" pairs. An exhausted daily
// budget resets at the next UTC midnight, the short one at the next quarter hour.
func rateLimit(resp *http.Response, _ []byte, now time.Time) (bool, time.Time, string) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return false, time.Time{}, ""
	}
	limits := parsePair(resp.Header.Get("X-RateLimit-Limit"))
	usage := parsePair(resp.Header.Get("X-RateLimit-Usage"))
	now = now.UTC()
	if limits[1] > 0 && usage[1] >= limits[1] {
		return true, now.Truncate(24 * time.Hour).Add(24 * time.Hour), "daily"
	}
	return true, now.Truncate(15 * time.Minute).Add(15 * time.Minute), "15m"
}

func parsePair(v string) [2]int {
	var out [2]int
	parts := strings.Split(v, ",")
	for i := 0; i < len(parts) && i < 2; i++ {
		out[i], _ = strconv.Atoi(strings.TrimSpace(parts[i]))
	}
	return out
}

