package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/correlation"
	"github.com/pscheid92/chatguard/internal/twitch"
	"golang.org/x/sync/errgroup"
)

// Recorder extends the pipeline signals with the runtime's own.
type Recorder interface {
	twitch.Recorder
	BroadcasterDegraded()
}

type nopRecorder struct{ twitch.NopRecorder }

func (nopRecorder) BroadcasterDegraded() {}

// Options is the process configuration the runtime is built from. It is
// read once; nothing is re-read at runtime.
type Options struct {
	BotLogin            string
	BroadcasterLogins   []string
	ConnectURL          string
	ValidationInterval  time.Duration
	ExpirationThreshold time.Duration
}

type Deps struct {
	Store    domain.TokenStore
	OAuth    twitch.OAuthAPI
	Helix    twitch.SubscriptionAPI
	Dialer   twitch.Dialer
	Recorder Recorder
	Clock    clockwork.Clock
}

// Bot is the assembled runtime.
type Bot struct {
	bot          *twitch.TokenManager
	broadcasters []*twitch.TokenManager
	behavior     *ModerationBehavior
	session      *twitch.Session
	queue        *twitch.Queue
	store        domain.TokenStore
	recorder     Recorder
	clock        clockwork.Clock
	startedAt    time.Time
}

// Build bootstraps every identity and assembles the pipeline. A missing or
// unusable bot token fails the build; a broadcaster that cannot be
// bootstrapped is skipped.
func Build(ctx context.Context, opts Options, deps Deps) (*Bot, error) {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	newManager := func(key string, role domain.Role) *twitch.TokenManager {
		return twitch.NewTokenManager(domain.Identity{Key: key, Role: role}, deps.Store, deps.OAuth,
			twitch.WithClock(deps.Clock),
			twitch.WithValidationInterval(opts.ValidationInterval),
			twitch.WithExpirationThreshold(opts.ExpirationThreshold),
			twitch.WithTokenRecorder(deps.Recorder),
		)
	}

	botManager := newManager(opts.BotLogin, domain.RoleBot)
	if err := botManager.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap bot identity: %w", err)
	}

	var broadcasters []*twitch.TokenManager
	for _, login := range opts.BroadcasterLogins {
		m := newManager(login, domain.RoleBroadcaster)
		if err := m.Bootstrap(ctx); err != nil {
			if errors.Is(err, domain.ErrCredentialNotFound) {
				slog.WarnContext(ctx, "No token stored for broadcaster, skipping", "login", login)
			} else {
				slog.ErrorContext(ctx, "Failed to bootstrap broadcaster, skipping", "login", login, "error", err)
			}
			deps.Recorder.BroadcasterDegraded()
			continue
		}
		broadcasters = append(broadcasters, m)
	}

	sources := make([]TokenSource, 0, len(broadcasters))
	for _, m := range broadcasters {
		sources = append(sources, m)
	}

	queue := twitch.NewQueue()
	dispatcher := twitch.NewDispatcher(queue, deps.Recorder)
	reconciler := twitch.NewReconciler(deps.Helix, botManager, deps.Recorder)
	behavior := NewModerationBehavior(dispatcher, reconciler, botManager, sources)

	connectURL := opts.ConnectURL
	if connectURL == "" {
		connectURL = twitch.DefaultEventSubURL
	}

	return &Bot{
		bot:          botManager,
		broadcasters: broadcasters,
		behavior:     behavior,
		session:      twitch.NewSession(connectURL, deps.Dialer, behavior, twitch.WithSessionRecorder(deps.Recorder)),
		queue:        queue,
		store:        deps.Store,
		recorder:     deps.Recorder,
		clock:        deps.Clock,
		startedAt:    deps.Clock.Now(),
	}, nil
}

// Start runs the session read loop and the token loops until ctx is done or
// one of them fails fatally. The first fatal error is returned.
func (b *Bot) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.session.Run(gctx); err != nil {
			return fmt.Errorf("eventsub session stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return b.bot.Run(gctx)
	})

	for _, m := range b.broadcasters {
		g.Go(func() error {
			err := m.Run(gctx)
			if err != nil && gctx.Err() == nil {
				b.degrade(gctx, m.Identity().Key, err)
			}
			return nil
		})
	}

	slog.InfoContext(ctx, "Bot started", "bot", b.bot.Identity().Key, "broadcasters", len(b.broadcasters))
	return g.Wait()
}

func (b *Bot) degrade(ctx context.Context, key string, err error) {
	ctx = correlation.WithIdentity(ctx, key)
	if !b.behavior.Degrade(key) {
		return
	}
	b.recorder.BroadcasterDegraded()
	slog.ErrorContext(ctx, "Broadcaster token failed, no longer monitored", "error", err)
}

// Events exposes the dispatched events to consumers.
func (b *Bot) Events() *twitch.Queue { return b.queue }

// CheckSession reports whether the EventSub session is welcomed and reading.
func (b *Bot) CheckSession(_ context.Context) error {
	if state := b.session.State(); state != twitch.StateActive {
		return fmt.Errorf("eventsub session is %s", state)
	}
	return nil
}

type IdentityStatus struct {
	Login     string    `json:"login"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Degraded  bool      `json:"degraded,omitempty"`

	// LastRefreshed is the store's write stamp, if the store keeps one.
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
}

type Status struct {
	SessionState  string           `json:"session_state"`
	SessionID     string           `json:"session_id,omitempty"`
	QueueDepth    int              `json:"queue_depth"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Bot           IdentityStatus   `json:"bot"`
	Broadcasters  []IdentityStatus `json:"broadcasters"`
}

// SessionState is the EventSub session state without any I/O.
func (b *Bot) SessionState() string { return b.session.State().String() }

// DegradedBroadcasters lists broadcasters whose token loop has stopped.
func (b *Bot) DegradedBroadcasters() []string {
	var keys []string
	for _, m := range b.broadcasters {
		if key := m.Identity().Key; b.behavior.IsDegraded(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Status summarises the runtime without exposing any token.
func (b *Bot) Status(ctx context.Context) Status {
	st := Status{
		SessionState:  b.SessionState(),
		SessionID:     b.session.ID(),
		QueueDepth:    b.queue.Len(),
		UptimeSeconds: b.clock.Since(b.startedAt).Seconds(),
		Bot:           b.identityStatus(ctx, b.bot),
		Broadcasters:  make([]IdentityStatus, 0, len(b.broadcasters)),
	}
	for _, m := range b.broadcasters {
		st.Broadcasters = append(st.Broadcasters, b.identityStatus(ctx, m))
	}
	return st
}

func (b *Bot) identityStatus(ctx context.Context, m *twitch.TokenManager) IdentityStatus {
	cred := m.Snapshot()
	key := m.Identity().Key
	st := IdentityStatus{
		Login:     cred.Login,
		UserID:    cred.UserID,
		ExpiresAt: cred.ExpiresAt,
		Degraded:  m.Identity().Role == domain.RoleBroadcaster && b.behavior.IsDegraded(key),
	}

	history, ok := b.store.(domain.RefreshHistory)
	if !ok {
		return st
	}
	ts, err := history.LastRefreshed(ctx, key)
	if err != nil {
		slog.DebugContext(ctx, "Failed to read last refresh time", "login", key, "error", err)
		return st
	}
	st.LastRefreshed = &ts
	return st
}
