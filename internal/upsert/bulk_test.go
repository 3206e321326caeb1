package upsert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/logger"
)

type rec struct {
	id        string
	malformed bool
	photos    int
}

// memInserter mimics a table with a unique natural key. A malformed record
// poisons a batch statement the way a constraint violation would.
type memInserter struct {
	mu       sync.Mutex
	rows     map[string]rec
	children int
	down     bool
	batches  int
	singles  int
}

func newMemInserter() *memInserter {
	return &memInserter{rows: make(map[string]rec)}
}

func (m *memInserter) Key(r rec) string { return r.id }

func (m *memInserter) InsertBatch(_ context.Context, records []rec) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.down {
		return Counts{}, errors.New("connection refused")
	}
	for _, r := range records {
		if r.malformed {
			return Counts{}, errors.New("violates check constraint")
		}
	}
	var c Counts
	for _, r := range records {
		if _, ok := m.rows[r.id]; ok {
			continue
		}
		m.rows[r.id] = r
		c.Inserted++
		c.Children += r.photos
	}
	m.children += c.Children
	return c, nil
}

func (m *memInserter) InsertOne(_ context.Context, r rec) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singles++
	if m.down {
		return Counts{}, errors.New("connection refused")
	}
	if r.malformed {
		return Counts{}, fmt.Errorf("%w: violates check constraint", ErrRejected)
	}
	if _, ok := m.rows[r.id]; ok {
		return Counts{}, nil
	}
	m.rows[r.id] = r
	m.children += r.photos
	return Counts{Inserted: 1, Children: r.photos}, nil
}

func TestBulkInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ins := newMemInserter()
	records := []rec{{id: "a"}, {id: "b"}, {id: "c", photos: 2}}

	first, err := BulkInsert(ctx, ins, records, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, 2, first.Children)

	second, err := BulkInsert(ctx, ins, records, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Skipped)
	assert.Len(t, ins.rows, 3)
}

func TestBulkInsertOverlappingSets(t *testing.T) {
	ctx := context.Background()
	ins := newMemInserter()

	_, err := BulkInsert(ctx, ins, []rec{{id: "a"}, {id: "b"}}, logger.Discard())
	require.NoError(t, err)

	res, err := BulkInsert(ctx, ins, []rec{{id: "b"}, {id: "c"}, {id: "c"}}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, ins.rows, 3)
}

func TestBulkInsertFallsBackPerRecord(t *testing.T) {
	ctx := context.Background()
	ins := newMemInserter()
	records := []rec{{id: "1"}, {id: "2", photos: 1}, {id: "3", malformed: true}, {id: "4"}, {id: "5"}}

	res, err := BulkInsert(ctx, ins, records, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Children)
	assert.Equal(t, 1, ins.batches)
	assert.Equal(t, 5, ins.singles)
	assert.NotContains(t, ins.rows, "3")
}

func TestBulkInsertFallbackCountsDuplicatesAsSkipped(t *testing.T) {
	ctx := context.Background()
	ins := newMemInserter()
	ins.rows["1"] = rec{id: "1"}

	res, err := BulkInsert(ctx, ins, []rec{{id: "1"}, {id: "2", malformed: true}, {id: "3"}}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
}

func TestBulkInsertSkipsLoneRejectedRecord(t *testing.T) {
	ins := newMemInserter()

	res, err := BulkInsert(context.Background(), ins, []rec{{id: "e", malformed: true}}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.Empty(t, ins.rows)
}

func TestBulkInsertSkipsBatchOfRejectedRecords(t *testing.T) {
	ins := newMemInserter()
	records := []rec{{id: "1", malformed: true}, {id: "2", malformed: true}}

	res, err := BulkInsert(context.Background(), ins, records, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
}

func TestBulkInsertReturnsErrorWhenStoreIsDown(t *testing.T) {
	ins := newMemInserter()
	ins.down = true

	res, err := BulkInsert(context.Background(), ins, []rec{{id: "1"}, {id: "2"}}, logger.Discard())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, ins.singles, "the first unavailable insert stops the fallback")
}

func TestBulkInsertEmpty(t *testing.T) {
	res, err := BulkInsert(context.Background(), newMemInserter(), nil, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
