package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/credentials"
	"trailsync/internal/logger"
	"trailsync/internal/models"
	"trailsync/internal/progress"
)

func TestIncrementalBoundaryAppliesLookback(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), IncrementalBoundary(since, 7*24*time.Hour))
}

func TestHistoricalBoundary(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC), HistoricalBoundary(now, 5))
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{Since: time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), Position: 500, Fetched: 500}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = DecodeCursor("since=abc&pos=1")
	assert.Error(t, err)
	_, err = DecodeCursor("since=1&pos=-2")
	assert.Error(t, err)
}

func TestStartCursor(t *testing.T) {
	boundary := time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)
	fresh := NewSession("u1", models.SourceSwarm, credentials.Credentials{}, "", nil)
	assert.Equal(t, Cursor{Since: boundary, Position: 1}, StartCursor(fresh, boundary, 1, logger.Discard()))

	saved := Cursor{Since: boundary.Add(-time.Hour), Position: 4, Fetched: 300}
	resumed := NewSession("u1", models.SourceSwarm, credentials.Credentials{}, saved.Encode(), nil)
	assert.Equal(t, saved, StartCursor(resumed, boundary, 1, logger.Discard()))

	broken := NewSession("u1", models.SourceSwarm, credentials.Credentials{}, "%%%", nil)
	assert.Equal(t, Cursor{Since: boundary, Position: 0}, StartCursor(broken, boundary, 0, logger.Discard()))
}

type item struct {
	id       int
	detailed bool
}

func TestEnricherFallsBackToSummary(t *testing.T) {
	e := &Enricher[item]{
		Concurrency: 3,
		Log:         logger.Discard(),
		Fetch: func(_ context.Context, it item) (item, error) {
			if it.id == 2 {
				return it, errors.New("detail 500")
			}
			it.detailed = true
			return it, nil
		},
	}
	out, err := e.Enrich(context.Background(), []item{{id: 1}, {id: 2}, {id: 3}, {id: 4}})
	require.NoError(t, err)
	assert.Equal(t, []item{{1, true}, {2, false}, {3, true}, {4, true}}, out)
}

func TestEnricherReturnsRateLimit(t *testing.T) {
	var calls atomic.Int32
	e := &Enricher[item]{
		Concurrency: 2,
		Log:         logger.Discard(),
		Fetch: func(_ context.Context, it item) (item, error) {
			calls.Add(1)
			if it.id == 3 {
				return it, &Error{Kind: KindRateLimit, Source: models.SourceStrava, Op: "detail", RetryAfter: time.Now().Add(time.Minute), Window: "15m"}
			}
			it.detailed = true
			return it, nil
		},
	}
	items := make([]item, 10)
	for i := range items {
		items[i].id = i
	}
	out, err := e.Enrich(context.Background(), items)
	require.Error(t, err)
	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, "15m", rl.Window)
	assert.Nil(t, out, "no summaries are handed back for storage")
	assert.LessOrEqual(t, calls.Load(), int32(4), "groups after the limited one are not fetched")
}

func TestEnricherBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	e := &Enricher[item]{
		Concurrency: 4,
		Log:         logger.Discard(),
		Fetch: func(_ context.Context, it item) (item, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			it.detailed = true
			return it, nil
		},
	}
	out, err := e.Enrich(context.Background(), make([]item, 25))
	require.NoError(t, err)
	assert.Len(t, out, 25)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

type fakeAdapter struct{ src models.DataSource }

func (f fakeAdapter) Source() models.DataSource { return f.src }
func (f fakeAdapter) IncrementalSync(context.Context, *Session, time.Time, progress.Observer) (Result, error) {
	return Result{}, nil
}
func (f fakeAdapter) FullHistoricalSync(context.Context, *Session, int, progress.Observer) (Result, error) {
	return Result{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(fakeAdapter{models.SourceStrava}, fakeAdapter{models.SourceSwarm})

	a, err := r.Get(models.SourceSwarm)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSwarm, a.Source())

	_, err = r.Get(models.SourceGarmin)
	assert.Error(t, err)
	assert.Equal(t, []models.DataSource{models.SourceStrava, models.SourceSwarm}, r.Sources())
}
