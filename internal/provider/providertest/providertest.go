// Package providertest holds in-memory fakes for adapter tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"trailsync/internal/progress"
	"trailsync/internal/upsert"
)

// Inserter stores records by natural key and skips duplicates, like the
// unique indexes on the real tables.
type Inserter[T any] struct {
	KeyFunc func(T) string
	// ChildCount reports attached records for a new row.
	ChildCount func(T) int
	// Reject fails any call containing a matching record, like a check
	// constraint would.
	Reject func(T) bool

	mu      sync.Mutex
	rows    map[string]T
	order   []string
	batches [][]T
}

func NewInserter[T any](key func(T) string) *Inserter[T] {
	return &Inserter[T]{KeyFunc: key, rows: make(map[string]T)}
}

// Seed stores records as if a previous run had imported them.
func (m *Inserter[T]) Seed(records ...T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		k := m.KeyFunc(r)
		if _, ok := m.rows[k]; !ok {
			m.order = append(m.order, k)
		}
		m.rows[k] = r
	}
}

func (m *Inserter[T]) Key(r T) string { return m.KeyFunc(r) }

func (m *Inserter[T]) InsertBatch(_ context.Context, records []T) (upsert.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]T(nil), records...))
	if m.Reject != nil {
		for _, r := range records {
			if m.Reject(r) {
				return upsert.Counts{}, fmt.Errorf("%w: %s violates check constraint", upsert.ErrRejected, m.KeyFunc(r))
			}
		}
	}
	var c upsert.Counts
	for _, r := range records {
		k := m.KeyFunc(r)
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = r
		m.order = append(m.order, k)
		c.Inserted++
		if m.ChildCount != nil {
			c.Children += m.ChildCount(r)
		}
	}
	return c, nil
}

func (m *Inserter[T]) InsertOne(ctx context.Context, r T) (upsert.Counts, error) {
	return m.InsertBatch(ctx, []T{r})
}

// Rows returns stored records in insertion order.
func (m *Inserter[T]) Rows() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.rows[k])
	}
	return out
}

// BatchSizes returns the size of every InsertBatch call.
func (m *Inserter[T]) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.batches))
	for i, b := range m.batches {
		out[i] = len(b)
	}
	return out
}

// Recorder keeps every progress update.
type Recorder struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (r *Recorder) Observe(_ context.Context, u progress.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *Recorder) Updates() []progress.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Update(nil), r.updates...)
}

// Last returns the latest update, or the zero value.
func (r *Recorder) Last() progress.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return progress.Update{}
	}
	return r.updates[len(r.updates)-1]
}
