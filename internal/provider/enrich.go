package provider

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Enricher fetches per-record detail with bounded concurrency. A failed detail
// fetch keeps the summary record. A rate-limited one fails the whole call so
// the caller stores nothing from the page and resumes it later with detail.
type Enricher[T any] struct {
	Concurrency int
	Fetch       func(ctx context.Context, item T) (T, error)
	Log         *slog.Logger
}

// Enrich returns items with detail merged in, processed in groups of
// Concurrency. It fails when ctx is done or a detail fetch is rate limited.
func (e *Enricher[T]) Enrich(ctx context.Context, items []T) ([]T, error) {
	out := make([]T, len(items))
	copy(out, items)

	n := e.Concurrency
	if n <= 0 {
		n = 1
	}
	for start := 0; start < len(items); start += n {
		end := start + n
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n)
		for i := start; i < end; i++ {
			g.Go(func() error {
				detailed, err := e.Fetch(gctx, items[i])
				if err != nil {
					if KindOf(err) == KindRateLimit {
						return err
					}
					if gctx.Err() != nil {
						return nil
					}
					e.Log.Warn("detail fetch failed, keeping summary", "index", i, "error", err)
					return nil
				}
				out[i] = detailed
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.Log.Warn("detail fetch rate limited, leaving page for the resumed run", "error", err)
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}
