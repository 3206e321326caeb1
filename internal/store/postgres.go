// Package store holds the Postgres persistence for sync jobs, user checkpoints,
// provider credentials and imported records.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job is not in a status it may leave
	// for the requested one.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrActiveJobExists is returned when a user already has a pending or
	// running job for the source.
	ErrActiveJobExists = errors.New("active job exists")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New creates a pooled connection to Postgres and verifies it answers.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, log: log.With("component", "store")}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for the record inserters.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
