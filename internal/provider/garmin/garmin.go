// Package garmin imports workouts from the wellness activities API. Routes
// come from the per-activity detail endpoint as raw coordinates and are stored
// as encoded polylines.
package garmin

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/twpayne/go-polyline"

	"trailsync/internal/archive"
	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/provider"
	"trailsync/internal/upsert"
)

const (
	defaultPageSize = 100
	startTimeLayout = "2006-01-02 15:04:05"
)

type Adapter struct {
	client   *provider.Client
	inserter upsert.Inserter[models.Activity]
	archiver archive.Archiver
	opts     provider.Options
	log      *slog.Logger
}

// New builds the adapter. archiver may be nil to skip raw payload archiving.
func New(client *provider.Client, inserter upsert.Inserter[models.Activity], archiver archive.Archiver, opts provider.Options, log *slog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		inserter: inserter,
		archiver: archiver,
		opts:     opts.WithDefaults(defaultPageSize),
		log:      log.With("source", models.SourceGarmin),
	}
}

func (a *Adapter) Source() models.DataSource { return models.SourceGarmin }

func (a *Adapter) IncrementalSync(ctx context.Context, s *provider.Session, since time.Time, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.IncrementalBoundary(since, a.opts.Lookback), obs)
}

func (a *Adapter) FullHistoricalSync(ctx context.Context, s *provider.Session, yearsBack int, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.HistoricalBoundary(a.client.Now(), yearsBack), obs)
}

type listResponse struct {
	Activities []activity `json:"activities"`
	TotalCount int        `json:"totalCount"`
}

type activity struct {
	ActivityID                int64    `json:"activityId"`
	ActivityName              string   `json:"activityName"`
	ActivityType              string   `json:"activityType"`
	StartTimeGMT              string   `json:"startTimeGMT"`
	DurationInSeconds         float64  `json:"durationInSeconds"`
	MovingDurationInSeconds   float64  `json:"movingDurationInSeconds"`
	DistanceInMeters          float64  `json:"distanceInMeters"`
	TotalElevationGainInMeter float64  `json:"totalElevationGainInMeters"`
	StartingLatitude          *float64 `json:"startingLatitudeInDegree"`
	StartingLongitude         *float64 `json:"startingLongitudeInDegree"`

	polyline string
	raw      []byte
}

type detailResponse struct {
	GeoPolyline struct {
		Polyline []struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"polyline"`
	} `json:"geoPolylineDTO"`
}

func (a *Adapter) run(ctx context.Context, s *provider.Session, boundary time.Time, obs progress.Observer) (provider.Result, error) {
	cur := provider.StartCursor(s, boundary, 0, a.log)
	res := provider.Result{Fetched: cur.Fetched}
	enricher := &provider.Enricher[activity]{
		Concurrency: a.opts.DetailConcurrency,
		Fetch: func(ctx context.Context, act activity) (activity, error) {
			return a.detail(ctx, s, act)
		},
		Log: a.log,
	}
	var total *int

	for batch := 1; batch <= a.opts.MaxPages; batch++ {
		q := url.Values{}
		q.Set("startDate", cur.Since.Format(time.DateOnly))
		q.Set("start", strconv.Itoa(cur.Position))
		q.Set("limit", strconv.Itoa(a.opts.PageSize))

		var page listResponse
		if _, err := a.client.GetJSON(ctx, s, "list activities", "/wellness-api/rest/activities", q, &page); err != nil {
			return res, err
		}
		if page.TotalCount > 0 {
			count := page.TotalCount
			total = &count
		}

		enriched, err := enricher.Enrich(ctx, page.Activities)
		if err != nil {
			return res, err
		}
		records := make([]models.Activity, 0, len(enriched))
		for _, act := range enriched {
			rec, err := a.toActivity(ctx, s.UserID, act)
			if err != nil {
				a.log.Warn("skipping unreadable activity", "activity_id", act.ActivityID, "error", err)
				res.Failed++
				continue
			}
			records = append(records, rec)
		}
		ins, err := provider.InsertInBatches(ctx, a.inserter, records, a.opts.SubBatchSize, a.log)
		res.Fetched += len(page.Activities)
		res.Add(ins)
		if err != nil {
			return res, err
		}

		cur.Position += len(page.Activities)
		cur.Fetched = res.Fetched
		obs.Observe(ctx, progress.Update{
			Fetched:       res.Fetched,
			Imported:      res.Imported,
			TotalExpected: total,
			Batch:         batch,
			Cursor:        cur.Encode(),
		})

		if len(page.Activities) < a.opts.PageSize {
			return res, nil
		}
	}
	a.log.Warn("page cap reached", "user_id", s.UserID, "pages", a.opts.MaxPages)
	return res, nil
}

func (a *Adapter) detail(ctx context.Context, s *provider.Session, act activity) (activity, error) {
	var d detailResponse
	raw, err := a.client.GetJSON(ctx, s, "get activity details", fmt.Sprintf("/wellness-api/rest/activityDetails/%d", act.ActivityID), nil, &d)
	if err != nil {
		return act, err
	}
	act.polyline = encodeRoute(d)
	act.raw = raw
	return act, nil
}

func encodeRoute(d detailResponse) string {
	points := d.GeoPolyline.Polyline
	if len(points) == 0 {
		return ""
	}
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

func (a *Adapter) toActivity(ctx context.Context, userID string, act activity) (models.Activity, error) {
	started, err := time.ParseInLocation(startTimeLayout, act.StartTimeGMT, time.UTC)
	if err != nil {
		return models.Activity{}, fmt.Errorf("start time %q: %w", act.StartTimeGMT, err)
	}
	out := models.Activity{
		UserID:         userID,
		DataSource:     models.SourceGarmin,
		ProviderID:     strconv.FormatInt(act.ActivityID, 10),
		Name:           act.ActivityName,
		SportType:      act.ActivityType,
		StartedAt:      started,
		ElapsedSeconds: int(act.DurationInSeconds),
		MovingSeconds:  int(act.MovingDurationInSeconds),
		DistanceMeters: act.DistanceInMeters,
		ElevationGainM: act.TotalElevationGainInMeter,
		StartLatitude:  act.StartingLatitude,
		StartLongitude: act.StartingLongitude,
		Polyline:       act.polyline,
	}
	if a.archiver != nil && len(act.raw) > 0 {
		key := archive.Key(models.SourceGarmin, userID, out.ProviderID)
		if _, err := a.archiver.Put(ctx, key, act.raw, "application/json"); err != nil {
			a.log.Warn("archive activity details failed", "activity_id", out.ProviderID, "error", err)
		} else {
			out.ArchiveKey = key
		}
	}
	return out, nil
}
