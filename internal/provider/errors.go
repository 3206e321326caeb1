package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trailsync/internal/models"
)

// Kind classifies a provider failure so callers can switch on it.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and network errors. The run is retried.
	KindTransient Kind = iota
	// KindAuth means the credentials were rejected and could not be refreshed.
	KindAuth
	// KindRateLimit means the provider asked us to back off until RetryAfter.
	KindRateLimit
	// KindFatal covers requests that will not succeed if repeated.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the typed failure returned by adapters and the shared client.
type Error struct {
	Kind   Kind
	Source models.DataSource
	Op     string
	Status int
	// RetryAfter and Window are set for KindRateLimit.
	RetryAfter time.Time
	Window     string
	Err        error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("%s %s", e.Source, e.Op)
	switch {
	case e.Kind == KindRateLimit:
		return fmt.Sprintf("%s: rate limited (%s) until %s", prefix, e.Window, e.RetryAfter.UTC().Format(time.RFC3339))
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: status %d: %v", prefix, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s error (status %d)", prefix, e.Kind, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error. Unknown errors are treated as transient so the
// queue's retry policy gets a chance at them.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// AsRateLimit returns the rate-limit error wrapped in err, if any.
func AsRateLimit(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimit {
		return pe, true
	}
	return nil, false
}

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
