package domain

import (
	"context"
	"time"
)

// Role distinguishes the single bot identity from monitored broadcasters.
type Role string

const (
	RoleBot         Role = "bot"
	RoleBroadcaster Role = "broadcaster"
)

// Credential is an OAuth access/refresh token pair for one Twitch account.
// UserID and Login are learned from token validation.
type Credential struct {
	Login        string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TTL returns the remaining lifetime of the access token at now.
// An unknown expiry counts as already expired.
func (c Credential) TTL(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Identity is a monitored account together with its role.
type Identity struct {
	Key  string
	Role Role
}

// TokenStore persists credentials keyed by login. Implementations must be
// safe for concurrent use across different keys.
type TokenStore interface {
	Load(ctx context.Context, key string) (*Credential, error)
	Save(ctx context.Context, key string, cred Credential) error
}

// RefreshHistory is implemented by stores that stamp every write. The status
// endpoint reports the stamp when the configured store offers it.
type RefreshHistory interface {
	LastRefreshed(ctx context.Context, key string) (time.Time, error)
}
