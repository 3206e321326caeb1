package garmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/credentials"
	"trailsync/internal/logger"
	"trailsync/internal/models"
	"trailsync/internal/provider"
	"trailsync/internal/provider/providertest"
)

type fakeAPI struct {
	total int
	// limitFrom refuses detail for activity ids at or above it; zero disables.
	limitFrom int

	mu     sync.Mutex
	starts []string
	dates  []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wellness-api/rest/activities", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		f.starts = append(f.starts, q.Get("start"))
		f.dates = append(f.dates, q.Get("startDate"))
		f.mu.Unlock()

		start, _ := strconv.Atoi(q.Get("start"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		acts := []map[string]any{}
		for i := start; i < start+limit && i < f.total; i++ {
			acts = append(acts, map[string]any{
				"activityId":                 500 + i,
				"activityName":               "Morning Ride",
				"activityType":               "cycling",
				"startTimeGMT":               "2025-01-03 06:30:00",
				"durationInSeconds":          3600.4,
				"movingDurationInSeconds":    3400.0,
				"distanceInMeters":           25000.0,
				"totalElevationGainInMeters": 310.0,
				"startingLatitudeInDegree":   38.5,
				"startingLongitudeInDegree":  -120.2,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"activities": acts, "totalCount": f.total})
	})
	mux.HandleFunc("GET /wellness-api/rest/activityDetails/{id}", func(w http.ResponseWriter, r *http.Request) {
		if id, _ := strconv.Atoi(r.PathValue("id")); f.limitFrom > 0 && id >= f.limitFrom {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.PathValue("id") == "501" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, err := w.Write([]byte(`{"geoPolylineDTO":{"polyline":[{"lat":38.5,"lon":-120.2},{"lat":40.7,"lon":-120.95},{"lat":43.252,"lon":-126.453}]}}`))
		assert.NoError(t, err)
	})
	return mux
}

func newAdapter(t *testing.T, api *fakeAPI, opts provider.Options) (*Adapter, *providertest.Inserter[models.Activity]) {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	ins := providertest.NewInserter(func(a models.Activity) string { return a.ProviderID })
	client := provider.NewClient(models.SourceGarmin, srv.URL, 0, srv.Client())
	return New(client, ins, nil, opts, logger.Discard()), ins
}

func session(cursor string) *provider.Session {
	return provider.NewSession("u1", models.SourceGarmin, credentials.Credentials{AccessToken: "t"}, cursor, nil)
}

func TestIncrementalSyncEncodesRoutes(t *testing.T) {
	api := &fakeAPI{total: 3}
	a, ins := newAdapter(t, api, provider.Options{PageSize: 2, Lookback: 7 * 24 * time.Hour})
	rec := &providertest.Recorder{}

	since := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	res, err := a.IncrementalSync(context.Background(), session(""), since, rec)
	require.NoError(t, err)
	assert.Equal(t, provider.Result{Fetched: 3, Imported: 3}, res)

	api.mu.Lock()
	assert.Equal(t, []string{"0", "2"}, api.starts)
	assert.Equal(t, []string{"2024-12-25", "2024-12-25"}, api.dates)
	api.mu.Unlock()

	byID := map[string]models.Activity{}
	for _, r := range ins.Rows() {
		byID[r.ProviderID] = r
	}
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", byID["500"].Polyline)
	assert.Empty(t, byID["501"].Polyline, "failed detail keeps the summary")

	got := byID["502"]
	assert.Equal(t, time.Date(2025, 1, 3, 6, 30, 0, 0, time.UTC), got.StartedAt)
	assert.Equal(t, 3600, got.ElapsedSeconds)
	assert.Equal(t, "cycling", got.SportType)
	require.NotNil(t, got.StartLongitude)
	assert.Equal(t, -120.2, *got.StartLongitude)

	last := rec.Last()
	require.NotNil(t, last.TotalExpected)
	assert.Equal(t, 3, *last.TotalExpected)
	assert.Equal(t, 2, last.Batch)
}

func TestDetailRateLimitStopsBeforeStoringPage(t *testing.T) {
	api := &fakeAPI{total: 3, limitFrom: 502}
	a, ins := newAdapter(t, api, provider.Options{PageSize: 2})
	rec := &providertest.Recorder{}

	res, err := a.IncrementalSync(context.Background(), session(""), time.Now(), rec)
	_, ok := provider.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 2, res.Imported)

	for _, r := range ins.Rows() {
		assert.NotEqual(t, "502", r.ProviderID, "an activity without its route is never stored")
	}
	cur, err := provider.DecodeCursor(rec.Last().Cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Position)
}

func TestResumesFromStartOffset(t *testing.T) {
	api := &fakeAPI{total: 5}
	a, ins := newAdapter(t, api, provider.Options{PageSize: 2})

	saved := provider.Cursor{Since: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Position: 4, Fetched: 4}
	res, err := a.IncrementalSync(context.Background(), session(saved.Encode()), time.Now(), &providertest.Recorder{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Fetched)
	assert.Len(t, ins.Rows(), 1)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"4"}, api.starts)
	assert.Equal(t, []string{"2024-03-01"}, api.dates)
}

func TestUnreadableStartTimeCountsAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wellness-api/rest/activities" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"activities":[{"activityId":1,"startTimeGMT":"yesterday"},{"activityId":2,"startTimeGMT":"2025-01-03 06:30:00"}],"totalCount":2}`))
	}))
	defer srv.Close()

	ins := providertest.NewInserter(func(a models.Activity) string { return a.ProviderID })
	a := New(provider.NewClient(models.SourceGarmin, srv.URL, 0, srv.Client()), ins, nil, provider.Options{PageSize: 10}, logger.Discard())

	res, err := a.IncrementalSync(context.Background(), session(""), time.Now(), &providertest.Recorder{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Failed)
}
