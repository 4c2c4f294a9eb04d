package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/chatguard/internal/crypto"
	"github.com/pscheid92/chatguard/internal/domain"
)

const (
	loadIdentitySQL = `
SELECT user_id, access_token, refresh_token, expires_at
FROM twitch_identities
WHERE login = $1`

	upsertIdentitySQL = `
INSERT INTO twitch_identities (login, user_id, access_token, refresh_token, expires_at, last_refreshed)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (login) DO UPDATE SET
    user_id        = EXCLUDED.user_id,
    access_token   = EXCLUDED.access_token,
    refresh_token  = EXCLUDED.refresh_token,
    expires_at     = EXCLUDED.expires_at,
    last_refreshed = NOW(),
    updated_at     = NOW()`
)

// IdentityStore implements domain.TokenStore on the twitch_identities table.
// Tokens are sealed with the crypto service before they are written.
type IdentityStore struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

var (
	_ domain.TokenStore     = (*IdentityStore)(nil)
	_ domain.RefreshHistory = (*IdentityStore)(nil)
)

func NewIdentityStore(pool *pgxpool.Pool, cryptoSvc crypto.Service) *IdentityStore {
	return &IdentityStore{pool: pool, crypto: cryptoSvc}
}

func (s *IdentityStore) Load(ctx context.Context, login string) (*domain.Credential, error) {
	var (
		cred       = domain.Credential{Login: login}
		accessEnc  string
		refreshEnc string
		expiresAt  pgtype.Timestamptz
	)

	err := s.pool.QueryRow(ctx, loadIdentitySQL, login).Scan(&cred.UserID, &accessEnc, &refreshEnc, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity %s: %w", login, err)
	}

	if cred.AccessToken, err = s.crypto.Open(login, accessEnc); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.crypto.Open(login, refreshEnc); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}

	return &cred, nil
}

func (s *IdentityStore) Save(ctx context.Context, login string, cred domain.Credential) error {
	accessEnc, err := s.crypto.Seal(login, cred.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.crypto.Seal(login, cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiresAt := pgtype.Timestamptz{Time: cred.ExpiresAt, Valid: !cred.ExpiresAt.IsZero()}
	if _, err := s.pool.Exec(ctx, upsertIdentitySQL, login, cred.UserID, accessEnc, refreshEnc, expiresAt); err != nil {
		return fmt.Errorf("failed to save identity %s: %w", login, err)
	}
	return nil
}

// LastRefreshed reports when the identity's row was last written. Surfaced
// per identity on /status.
func (s *IdentityStore) LastRefreshed(ctx context.Context, login string) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_refreshed FROM twitch_identities WHERE login = $1`, login).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last_refreshed for %s: %w", login, err)
	}
	return ts, nil
}

func (s *IdentityStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
