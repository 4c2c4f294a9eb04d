package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pscheid92/chatguard/internal/crypto"
	"github.com/pscheid92/chatguard/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const identityKeyPrefix = "twitch:identity:"

const (
	fieldUserID        = "user_id"
	fieldAccessToken   = "access_token"
	fieldRefreshToken  = "refresh_token"
	fieldExpiresAt     = "expires_at"
	fieldLastRefreshed = "last_refreshed"
)

// IdentityStore implements domain.TokenStore with one hash per login.
type IdentityStore struct {
	rdb    goredis.Cmdable
	crypto crypto.Service
	now    func() time.Time
}

var (
	_ domain.TokenStore     = (*IdentityStore)(nil)
	_ domain.RefreshHistory = (*IdentityStore)(nil)
)

func NewIdentityStore(rdb goredis.Cmdable, cryptoSvc crypto.Service) *IdentityStore {
	return &IdentityStore{rdb: rdb, crypto: cryptoSvc, now: time.Now}
}

func identityKey(login string) string {
	return identityKeyPrefix + login
}

func (s *IdentityStore) Load(ctx context.Context, login string) (*domain.Credential, error) {
	fields, err := s.rdb.HGetAll(ctx, identityKey(login)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity %s: %w", login, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrCredentialNotFound
	}

	cred := domain.Credential{Login: login, UserID: fields[fieldUserID]}

	if cred.AccessToken, err = s.crypto.Open(login, fields[fieldAccessToken]); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.crypto.Open(login, fields[fieldRefreshToken]); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	if raw := fields[fieldExpiresAt]; raw != "" && raw != "0" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid expires_at for %s: %w", login, err)
		}
		cred.ExpiresAt = time.Unix(unix, 0).UTC()
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

	var expiresAt int64
	if !cred.ExpiresAt.IsZero() {
		expiresAt = cred.ExpiresAt.Unix()
	}

	err = s.rdb.HSet(ctx, identityKey(login),
		fieldUserID, cred.UserID,
		fieldAccessToken, accessEnc,
		fieldRefreshToken, refreshEnc,
		fieldExpiresAt, expiresAt,
		fieldLastRefreshed, s.now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save identity %s: %w", login, err)
	}
	return nil
}

func (s *IdentityStore) LastRefreshed(ctx context.Context, login string) (time.Time, error) {
	raw, err := s.rdb.HGet(ctx, identityKey(login), fieldLastRefreshed).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last_refreshed for %s: %w", login, err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_refreshed for %s: %w", login, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *IdentityStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
