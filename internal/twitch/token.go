package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/correlation"
)

const (
	DefaultValidationInterval  = 30 * time.Second
	DefaultExpirationThreshold = 60 * time.Second
)

// OAuthAPI is the subset of the Twitch identity API a TokenManager needs.
type OAuthAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error)
	Validate(ctx context.Context, accessToken string) (*ValidatedToken, error)
}

// IdentityError tags a token lifecycle failure with the identity it belongs
// to, so callers can tell a bot failure from a broadcaster failure.
type IdentityError struct {
	Key  string
	Role domain.Role
	Err  error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s identity %s: %v", e.Role, e.Key, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// TokenManager owns the credential of one identity. It is the only writer;
// everyone else reads copies through Snapshot.
type TokenManager struct {
	identity  domain.Identity
	store     domain.TokenStore
	oauth     OAuthAPI
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	recorder  Recorder

	// refreshMu serialises refresh and persist; mu only guards cred, so
	// Snapshot never waits on the OAuth round trip.
	refreshMu sync.Mutex
	mu        sync.Mutex
	cred      domain.Credential
}

type TokenManagerOption func(*TokenManager)

func WithClock(c clockwork.Clock) TokenManagerOption {
	return func(m *TokenManager) { m.clock = c }
}

func WithValidationInterval(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) { m.interval = d }
}

func WithExpirationThreshold(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) { m.threshold = d }
}

func WithTokenRecorder(r Recorder) TokenManagerOption {
	return func(m *TokenManager) { m.recorder = r }
}

func NewTokenManager(identity domain.Identity, store domain.TokenStore, oauth OAuthAPI, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		identity:  identity,
		store:     store,
		oauth:     oauth,
		clock:     clockwork.NewRealClock(),
		interval:  DefaultValidationInterval,
		threshold: DefaultExpirationThreshold,
		recorder:  NopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *TokenManager) Identity() domain.Identity { return m.identity }

// Snapshot returns a copy of the current credential. Do not hold on to it
// longer than a single API call.
func (m *TokenManager) Snapshot() domain.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// Bootstrap loads the credential from the store, validates it once to learn
// the account's user id and TTL, and writes it back.
func (m *TokenManager) Bootstrap(ctx context.Context) error {
	ctx = correlation.WithIdentity(ctx, m.identity.Key)

	cred, err := m.store.Load(ctx, m.identity.Key)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) && m.identity.Role == domain.RoleBot {
			return fmt.Errorf("%w: %s: %w", domain.ErrBotTokenNotFound, m.identity.Key, err)
		}
		return fmt.Errorf("failed to load %s token %s: %w", m.identity.Role, m.identity.Key, err)
	}
	if cred.Login == "" {
		cred.Login = m.identity.Key
	}

	m.mu.Lock()
	m.cred = *cred
	m.mu.Unlock()

	if err := m.Tick(ctx); err != nil {
		return err
	}

	if err := m.store.Save(ctx, m.identity.Key, m.Snapshot()); err != nil {
		return fmt.Errorf("failed to save %s token %s: %w", m.identity.Role, m.identity.Key, err)
	}

	slog.InfoContext(ctx, "Token loaded", "role", m.identity.Role, "user_id", m.Snapshot().UserID)
	return nil
}

// Run ticks immediately and then once per validation interval until ctx is
// done or a tick fails. Failures come back as *IdentityError.
func (m *TokenManager) Run(ctx context.Context) error {
	ctx = correlation.WithIdentity(ctx, m.identity.Key)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(correlation.WithID(ctx, correlation.NewID())); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &IdentityError{Key: m.identity.Key, Role: m.identity.Role, Err: err}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Tick refreshes the token if its TTL dropped below the threshold, persists
// it, and then validates whatever token is current.
func (m *TokenManager) Tick(ctx context.Context) error {
	if err := m.refreshIfDue(ctx); err != nil {
		return err
	}
	return m.validate(ctx)
}

// ForceRefresh refreshes regardless of TTL. Used after the API rejected the
// current access token.
func (m *TokenManager) ForceRefresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshIfDue(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	ttl := m.Snapshot().TTL(m.clock.Now())
	if ttl >= m.threshold {
		return nil
	}

	slog.InfoContext(ctx, "Token expiring soon, refreshing", "role", m.identity.Role, "ttl_seconds", ttl.Seconds())
	return m.refreshLocked(ctx)
}

// refreshLocked must be called with m.refreshMu held. The new credential
// only becomes visible after it was persisted.
func (m *TokenManager) refreshLocked(ctx context.Context) error {
	cur := m.Snapshot()
	if cur.RefreshToken == "" {
		m.recorder.TokenRefreshed(m.identity.Role, OutcomeFailed)
		return errors.New("failed to refresh token: no refresh token stored")
	}

	tok, err := m.oauth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, domain.ErrTokenRevoked) {
			outcome = OutcomeRevoked
		}
		m.recorder.TokenRefreshed(m.identity.Role, outcome)
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	next := cur
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		next.ExpiresAt = m.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	if err := m.store.Save(ctx, m.identity.Key, next); err != nil {
		m.recorder.TokenRefreshed(m.identity.Role, OutcomeFailed)
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.mu.Lock()
	m.cred.AccessToken = next.AccessToken
	m.cred.RefreshToken = next.RefreshToken
	m.cred.ExpiresAt = next.ExpiresAt
	m.mu.Unlock()

	m.recorder.TokenRefreshed(m.identity.Role, OutcomeOK)
	slog.InfoContext(ctx, "Token refreshed", "role", m.identity.Role, "expires_at", next.ExpiresAt)
	return nil
}

// validate runs without the lock; the result is applied only if no refresh
// replaced the token in the meantime.
func (m *TokenManager) validate(ctx context.Context) error {
	snap := m.Snapshot()

	v, err := m.oauth.Validate(ctx, snap.AccessToken)
	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, domain.ErrTokenRevoked) {
			outcome = OutcomeRevoked
		}
		m.recorder.TokenValidated(m.identity.Role, outcome)
		return fmt.Errorf("failed to validate token: %w", err)
	}
	m.recorder.TokenValidated(m.identity.Role, OutcomeOK)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred.AccessToken != snap.AccessToken {
		return nil
	}
	if v.ExpiresIn > 0 {
		m.cred.ExpiresAt = m.clock.Now().Add(time.Duration(v.ExpiresIn) * time.Second)
	}
	if v.UserID != "" {
		m.cred.UserID = v.UserID
	}
	if v.Login != "" {
		m.cred.Login = v.Login
	}

	slog.DebugContext(ctx, "Token validated", "role", m.identity.Role, "expires_in", v.ExpiresIn)
	return nil
}
