package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/twitch"
)

// Behavior is the bot policy the EventSub session runs against.
type Behavior interface {
	twitch.EventHandler
	RefreshToken(ctx context.Context, key string) error
}

// TokenSource is the read side of a token manager plus the forced refresh
// used when the API rejects a token.
type TokenSource interface {
	Identity() domain.Identity
	Snapshot() domain.Credential
	ForceRefresh(ctx context.Context) error
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, n twitch.Notification) error
}

type SubscriptionReconciler interface {
	Reconcile(ctx context.Context, sessionID string, intents []domain.SubscriptionIntent) (twitch.ReconcileResult, error)
}

// ModerationBehavior subscribes every monitored broadcaster to the
// moderation event set and forwards notifications to the dispatcher.
type ModerationBehavior struct {
	dispatcher EventDispatcher
	reconciler SubscriptionReconciler
	bot        TokenSource

	mu           sync.Mutex
	broadcasters []TokenSource
	degraded     map[string]bool
}

func NewModerationBehavior(dispatcher EventDispatcher, reconciler SubscriptionReconciler, bot TokenSource, broadcasters []TokenSource) *ModerationBehavior {
	return &ModerationBehavior{
		dispatcher:   dispatcher,
		reconciler:   reconciler,
		bot:          bot,
		broadcasters: broadcasters,
		degraded:     make(map[string]bool),
	}
}

func (b *ModerationBehavior) HandleEvent(ctx context.Context, n twitch.Notification) error {
	return b.dispatcher.Dispatch(ctx, n)
}

// SubscribeEvents reconciles the intents of all healthy broadcasters on
// sessionID. A rejected bot token is refreshed once and the pass repeated.
func (b *ModerationBehavior) SubscribeEvents(ctx context.Context, sessionID string) error {
	intents := b.Intents()

	result, err := b.reconciler.Reconcile(ctx, sessionID, intents)
	if err != nil && twitch.IsUnauthorized(err) {
		key := b.bot.Identity().Key
		slog.WarnContext(ctx, "Bot token rejected by Helix, refreshing", "login", key)
		if refreshErr := b.RefreshToken(ctx, key); refreshErr != nil {
			return errors.Join(err, refreshErr)
		}
		result, err = b.reconciler.Reconcile(ctx, sessionID, intents)
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile subscriptions: %w", err)
	}

	slog.InfoContext(ctx, "Subscriptions reconciled", "intents", len(intents), "created", result.Created, "existing", result.Existing)
	return nil
}

// RefreshToken forces a refresh of the identity stored under key.
func (b *ModerationBehavior) RefreshToken(ctx context.Context, key string) error {
	src := b.source(key)
	if src == nil {
		return fmt.Errorf("unknown identity %q", key)
	}
	return src.ForceRefresh(ctx)
}

// Intents derives the subscription set from the current credentials, so
// user ids learned by validation are always used.
func (b *ModerationBehavior) Intents() []domain.SubscriptionIntent {
	bot := b.bot.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	var intents []domain.SubscriptionIntent
	for _, src := range b.broadcasters {
		if b.degraded[src.Identity().Key] {
			continue
		}
		intents = append(intents, domain.IntentsFor(src.Snapshot(), bot)...)
	}
	return intents
}

// Degrade stops subscribing for the broadcaster under key. It reports
// whether the broadcaster was healthy before.
func (b *ModerationBehavior) Degrade(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.degraded[key] {
		return false
	}
	b.degraded[key] = true
	return true
}

func (b *ModerationBehavior) IsDegraded(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded[key]
}

func (b *ModerationBehavior) source(key string) TokenSource {
	if b.bot.Identity().Key == key {
		return b.bot
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, src := range b.broadcasters {
		if src.Identity().Key == key {
			return src
		}
	}
	return nil
}
