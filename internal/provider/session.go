package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"trailsync/internal/credentials"
	"trailsync/internal/models"
)

// Refresher rotates credentials that a provider rejected.
type Refresher interface {
	Refresh(ctx context.Context, userID string, src models.DataSource, current credentials.Credentials) (credentials.Credentials, error)
}

// expirySkew refreshes tokens slightly before they expire.
const expirySkew = time.Minute

// Session is the per-run state an adapter needs: who is syncing, with which
// credentials, and where a previous attempt stopped. It is safe for use by
// concurrent detail fetches.
type Session struct {
	UserID string
	Source models.DataSource
	// Cursor resumes an interrupted run. Empty starts from the computed boundary.
	Cursor string

	refresher Refresher

	mu    sync.Mutex
	creds credentials.Credentials
}

func NewSession(userID string, src models.DataSource, creds credentials.Credentials, cursor string, refresher Refresher) *Session {
	return &Session{UserID: userID, Source: src, Cursor: cursor, refresher: refresher, creds: creds}
}

// Token returns the current access token.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.AccessToken
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Expired(now, expirySkew)
}

// Refresh rotates the credentials unless another request already replaced
// stale, in which case the newer token is returned without a second exchange.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.AccessToken != stale {
		return s.creds.AccessToken, nil
	}
	if s.refresher == nil {
		return "", errors.New("no refresher configured")
	}
	next, err := s.refresher.Refresh(ctx, s.UserID, s.Source, s.creds)
	if err != nil {
		return "", err
	}
	s.creds = next
	return next.AccessToken, nil
}
