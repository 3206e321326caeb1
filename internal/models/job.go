package models

import (
	"fmt"
	"time"
)

// DataSource identifies the third-party provider a job imports from.
type DataSource string

const (
	SourceSwarm  DataSource = "swarm"  // location check-ins
	SourceStrava DataSource = "strava" // fitness activities
	SourceGarmin DataSource = "garmin" // fitness activities
)

// Sources lists every supported data source.
var Sources = []DataSource{SourceSwarm, SourceStrava, SourceGarmin}

// ParseDataSource validates a source name.
func ParseDataSource(s string) (DataSource, error) {
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown data source %q", s)
}

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusRateLimited JobStatus = "rate_limited"
)

// transitions lists, for each target status, the statuses a job may leave to reach it.
var transitions = map[JobStatus][]JobStatus{
	StatusRunning:     {StatusPending},
	StatusCompleted:   {StatusRunning},
	StatusFailed:      {StatusPending, StatusRunning},
	StatusRateLimited: {StatusRunning},
}

// AllowedFrom returns the statuses from which a job may move to target.
func AllowedFrom(target JobStatus) []JobStatus {
	return transitions[target]
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Active reports whether the status blocks another job for the same user and source.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the job row is final.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRateLimited
}

// SyncJob is one durable record of a single sync attempt.
type SyncJob struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	DataSource    DataSource `json:"dataSource"`
	Status        JobStatus  `json:"status"`
	TotalExpected *int       `json:"totalExpected"`
	TotalImported int        `json:"totalImported"`
	CurrentBatch  int        `json:"currentBatch"`
	ErrorMessage  *string    `json:"errorMessage"`
	SyncCursor    *string    `json:"-"`
	RetryAfter    *time.Time `json:"retryAfter,omitempty"`
	ResumedFrom   *string    `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt"`
}

// JobProgress is a partial progress update. Nil fields are left untouched.
type JobProgress struct {
	TotalExpected *int
	TotalImported *int
	CurrentBatch  *int
	SyncCursor    *string
}

// Empty reports whether the update would change nothing.
func (p JobProgress) Empty() bool {
	return p.TotalExpected == nil && p.TotalImported == nil && p.CurrentBatch == nil && p.SyncCursor == nil
}
