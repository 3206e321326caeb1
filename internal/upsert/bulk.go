// Package upsert inserts imported records idempotently. Rows colliding on their
// natural key are skipped rather than treated as errors, and a batch that fails
// for any other reason is retried one record at a time so a single bad record
// cannot sink its neighbours.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrRejected marks an insert failure caused by the record itself, such as a
// constraint or data format violation. Inserters wrap such errors with it so
// BulkInsert can skip the record. Any other per-record error means the store
// is unavailable and aborts the call.
var ErrRejected = errors.New("record rejected")

// Counts is what a single insert call wrote.
type Counts struct {
	Inserted int
	Children int
}

// Inserter persists one record type. Implementations must skip natural-key
// duplicates silently (they are not errors) and must be all-or-nothing per call.
type Inserter[T any] interface {
	// Key returns the natural key of a record.
	Key(record T) string
	InsertBatch(ctx context.Context, records []T) (Counts, error)
	InsertOne(ctx context.Context, record T) (Counts, error)
}

// Result summarises a BulkInsert call.
type Result struct {
	Inserted int
	Skipped  int
	Failed   int
	Children int
}

// Add accumulates another result.
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Children += o.Children
}

// BulkInsert writes records through ins. Inserted may be lower than len(records):
// duplicates (already stored, or repeated within records) are counted as Skipped.
// When the batch statement fails, every record is inserted on its own; records
// rejected with ErrRejected are logged and counted as Failed. An error is
// returned only when the context is done or a per-record insert fails for a
// reason other than the record, which points at the store rather than the data.
func BulkInsert[T any](ctx context.Context, ins Inserter[T], records []T, log *slog.Logger) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}

	unique := make([]T, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		k := ins.Key(rec)
		if _, dup := seen[k]; dup {
			res.Skipped++
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, rec)
	}

	counts, batchErr := ins.InsertBatch(ctx, unique)
	if batchErr == nil {
		res.Inserted += counts.Inserted
		res.Children += counts.Children
		res.Skipped += len(unique) - counts.Inserted
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	log.Warn("batch insert failed, falling back to per-record insert",
		"records", len(unique), "error", batchErr)

	for _, rec := range unique {
		c, err := ins.InsertOne(ctx, rec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if !errors.Is(err, ErrRejected) {
				return res, fmt.Errorf("insert %s: %w", ins.Key(rec), err)
			}
			res.Failed++
			log.Warn("skipping record that could not be inserted", "key", ins.Key(rec), "error", err)
			continue
		}
		res.Inserted += c.Inserted
		res.Children += c.Children
		if c.Inserted == 0 {
			res.Skipped++
		}
	}
	return res, nil
}
