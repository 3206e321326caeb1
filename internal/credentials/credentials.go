// Package credentials exposes provider tokens to the sync engine and refreshes
// them through the provider's OAuth2 token endpoint.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"trailsync/internal/models"
)

var (
	ErrNotFound           = errors.New("credentials not found")
	ErrRefreshUnsupported = errors.New("token refresh not supported")
)

// Credentials are the decrypted tokens for one user and provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Expired reports whether the access token is past its expiry, minus skew.
// Tokens without an expiry never expire.
func (c Credentials) Expired(now time.Time, skew time.Duration) bool {
	return c.ExpiresAt != nil && !now.Add(skew).Before(*c.ExpiresAt)
}

// Store persists credentials per user and data source.
type Store interface {
	Get(ctx context.Context, userID string, src models.DataSource) (Credentials, error)
	Save(ctx context.Context, userID string, src models.DataSource, c Credentials) error
}

// Cipher opens and seals token columns. Encryption itself belongs to the auth
// service; the sync engine only needs the inverse.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// PlainCipher stores tokens as-is.
type PlainCipher struct{}

func (PlainCipher) Seal(s string) (string, error) { return s, nil }
func (PlainCipher) Open(s string) (string, error) { return s, nil }

// OAuthConfig builds the refresh-only OAuth2 config for a provider.
func OAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Manager reads credentials and rotates them when a provider rejects them.
type Manager struct {
	store   Store
	configs map[models.DataSource]*oauth2.Config
	log     *slog.Logger
}

// NewManager wires a Manager. Sources missing from configs cannot be refreshed.
func NewManager(store Store, configs map[models.DataSource]*oauth2.Config, log *slog.Logger) *Manager {
	return &Manager{store: store, configs: configs, log: log.With("component", "credentials")}
}

// Get returns the stored credentials.
func (m *Manager) Get(ctx context.Context, userID string, src models.DataSource) (Credentials, error) {
	return m.store.Get(ctx, userID, src)
}

// Refresh exchanges current.RefreshToken for a new token pair and persists it.
// Providers that do not rotate refresh tokens keep the old one.
func (m *Manager) Refresh(ctx context.Context, userID string, src models.DataSource, current Credentials) (Credentials, error) {
	cfg, ok := m.configs[src]
	if !ok || cfg.Endpoint.TokenURL == "" || current.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("%s: %w", src, ErrRefreshUnsupported)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh %s token: %w", src, err)
	}

	next := Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		next.ExpiresAt = &exp
	}
	if err := m.store.Save(ctx, userID, src, next); err != nil {
		return Credentials{}, fmt.Errorf("save refreshed %s token: %w", src, err)
	}
	m.log.Info("provider token refreshed", "user_id", userID, "source", src)
	return next, nil
}
