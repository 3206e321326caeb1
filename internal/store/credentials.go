package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trailsync/internal/credentials"
	"trailsync/internal/models"
)

// CredentialStore reads and writes provider_credentials rows.
type CredentialStore struct {
	store  *Store
	cipher credentials.Cipher
}

// Credentials returns a credentials.Store backed by this database.
func (s *Store) Credentials(cipher credentials.Cipher) *CredentialStore {
	if cipher == nil {
		cipher = credentials.PlainCipher{}
	}
	return &CredentialStore{store: s, cipher: cipher}
}

func (c *CredentialStore) Get(ctx context.Context, userID string, src models.DataSource) (credentials.Credentials, error) {
	var (
		access  string
		refresh *string
		expires *time.Time
	)
	err := c.store.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM provider_credentials WHERE user_id = $1 AND data_source = $2`,
		userID, string(src)).Scan(&access, &refresh, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return credentials.Credentials{}, fmt.Errorf("%s for user %s: %w", src, userID, credentials.ErrNotFound)
	}
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("query credentials: %w", err)
	}

	out := credentials.Credentials{ExpiresAt: expires}
	if out.AccessToken, err = c.cipher.Open(access); err != nil {
		return credentials.Credentials{}, fmt.Errorf("open access token: %w", err)
	}
	if refresh != nil {
		if out.RefreshToken, err = c.cipher.Open(*refresh); err != nil {
			return credentials.Credentials{}, fmt.Errorf("open refresh token: %w", err)
		}
	}
	return out, nil
}

func (c *CredentialStore) Save(ctx context.Context, userID string, src models.DataSource, creds credentials.Credentials) error {
	access, err := c.cipher.Seal(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	var refresh *string
	if creds.RefreshToken != "" {
		sealed, err := c.cipher.Seal(creds.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		refresh = &sealed
	}

	_, err = c.store.pool.Exec(ctx, `
		INSERT INTO provider_credentials (user_id, data_source, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, data_source) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()`,
		userID, string(src), access, refresh, creds.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
