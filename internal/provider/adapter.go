// Package provider defines the contract every data-source adapter implements
// and the plumbing they share: a paced HTTP client, the error taxonomy, resume
// cursors, bounded detail enrichment and sub-batched persistence.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/upsert"
)

// Result reports what one sync run did.
type Result struct {
	Fetched  int
	Imported int
	Skipped  int
	Failed   int
	// Children counts attached media records (check-in photos).
	Children int
}

// Add accumulates one insert result.
func (r *Result) Add(u upsert.Result) {
	r.Imported += u.Inserted
	r.Skipped += u.Skipped
	r.Failed += u.Failed
	r.Children += u.Children
}

// Adapter fetches one provider's records for a user and persists them.
type Adapter interface {
	Source() models.DataSource
	// IncrementalSync fetches records created since the checkpoint, minus the lookback window.
	IncrementalSync(ctx context.Context, s *Session, since time.Time, obs progress.Observer) (Result, error)
	// FullHistoricalSync fetches everything from yearsBack years ago.
	FullHistoricalSync(ctx context.Context, s *Session, yearsBack int, obs progress.Observer) (Result, error)
}

// Options is the fetch policy shared by all adapters.
type Options struct {
	PageSize          int
	MaxPages          int
	Lookback          time.Duration
	SubBatchSize      int
	DetailConcurrency int
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults(pageSize int) Options {
	if o.PageSize <= 0 {
		o.PageSize = pageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 500
	}
	if o.Lookback < 0 {
		o.Lookback = 0
	}
	if o.SubBatchSize <= 0 {
		o.SubBatchSize = 50
	}
	if o.DetailConcurrency <= 0 {
		o.DetailConcurrency = 10
	}
	return o
}

// IncrementalBoundary is the fetch-from time for an incremental run. Looking
// back past the checkpoint catches records the provider surfaced late.
func IncrementalBoundary(since time.Time, lookback time.Duration) time.Time {
	return since.Add(-lookback).UTC()
}

// HistoricalBoundary is the fetch-from time for a full run.
func HistoricalBoundary(now time.Time, yearsBack int) time.Time {
	return now.AddDate(-yearsBack, 0, 0).UTC()
}

// Cursor is the resume point of a paginated fetch: the boundary the run
// started from and the position of the next page to fetch.
type Cursor struct {
	Since    time.Time
	Position int
	Fetched  int
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	v := url.Values{}
	v.Set("since", strconv.FormatInt(c.Since.Unix(), 10))
	v.Set("pos", strconv.Itoa(c.Position))
	v.Set("fetched", strconv.Itoa(c.Fetched))
	return v.Encode()
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	v, err := url.ParseQuery(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("parse cursor: %w", err)
	}
	since, err := strconv.ParseInt(v.Get("since"), 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor since: %w", err)
	}
	pos, err := strconv.Atoi(v.Get("pos"))
	if err != nil || pos < 0 {
		return Cursor{}, fmt.Errorf("cursor position %q is invalid", v.Get("pos"))
	}
	fetched, _ := strconv.Atoi(v.Get("fetched"))
	return Cursor{Since: time.Unix(since, 0).UTC(), Position: pos, Fetched: fetched}, nil
}

// StartCursor returns where a run begins: the session's resume cursor when it
// carries a valid one, otherwise the computed boundary at position start.
func StartCursor(s *Session, boundary time.Time, start int, log *slog.Logger) Cursor {
	if s.Cursor != "" {
		c, err := DecodeCursor(s.Cursor)
		if err == nil {
			log.Info("resuming from cursor", "since", c.Since, "position", c.Position)
			return c
		}
		log.Warn("ignoring unreadable cursor", "error", err)
	}
	return Cursor{Since: boundary, Position: start}
}

// InsertInBatches persists records in chunks of size so a failing chunk keeps
// the earlier ones.
func InsertInBatches[T any](ctx context.Context, ins upsert.Inserter[T], records []T, size int, log *slog.Logger) (upsert.Result, error) {
	var total upsert.Result
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		res, err := upsert.BulkInsert(ctx, ins, records[start:end], log)
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Registry maps a data source to its adapter.
type Registry struct {
	adapters map[models.DataSource]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.DataSource]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its source.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Source()] = a
}

// Get returns the adapter for src.
func (r *Registry) Get(src models.DataSource) (Adapter, error) {
	a, ok := r.adapters[src]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q", src)
	}
	return a, nil
}

// Sources lists registered sources in name order.
func (r *Registry) Sources() []models.DataSource {
	out := make([]models.DataSource, 0, len(r.adapters))
	for src := range r.adapters {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
