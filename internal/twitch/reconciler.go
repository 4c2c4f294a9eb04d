package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/chatguard/internal/domain"
)

// SubscriptionAPI is the platform side of reconciliation.
type SubscriptionAPI interface {
	ListSubscriptions(ctx context.Context, accessToken string) ([]domain.ActiveSubscription, error)
	CreateSubscription(ctx context.Context, accessToken string, intent domain.SubscriptionIntent, sessionID string) (string, error)
}

// CredentialSource hands out a short-lived copy of an identity's credential.
type CredentialSource interface {
	Snapshot() domain.Credential
}

type ReconcileResult struct {
	Created  int
	Existing int
	Failed   int
}

// Reconciler makes the platform's subscriptions for a session match a set
// of intents. It never deletes: subscriptions on stale sessions are left for
// the platform to collect.
type Reconciler struct {
	api      SubscriptionAPI
	bot      CredentialSource
	recorder Recorder
}

func NewReconciler(api SubscriptionAPI, bot CredentialSource, recorder Recorder) *Reconciler {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Reconciler{api: api, bot: bot, recorder: recorder}
}

// Reconcile lists the enabled subscriptions once and creates what is missing
// for sessionID. Per-intent failures are joined into the returned error;
// the remaining intents are still attempted.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, intents []domain.SubscriptionIntent) (ReconcileResult, error) {
	var result ReconcileResult
	if len(intents) == 0 {
		return result, nil
	}

	token := r.bot.Snapshot().AccessToken

	active, err := r.api.ListSubscriptions(ctx, token)
	if err != nil {
		result.Failed = len(intents)
		for _, intent := range intents {
			r.recorder.SubscriptionReconciled(intent.Type, OutcomeFailed)
		}
		return result, err
	}

	current := make([]domain.ActiveSubscription, 0, len(active))
	for _, sub := range active {
		if sub.SessionID == sessionID {
			current = append(current, sub)
		}
	}
	slog.DebugContext(ctx, "Listed eventsub subscriptions", "total", len(active), "current_session", len(current))

	var errs []error
	for _, intent := range intents {
		if satisfied(current, intent, sessionID) {
			result.Existing++
			r.recorder.SubscriptionReconciled(intent.Type, OutcomeExisting)
			continue
		}

		id, err := r.api.CreateSubscription(ctx, token, intent, sessionID)
		switch {
		case errors.Is(err, ErrSubscriptionExists):
			slog.InfoContext(ctx, "Subscription already exists", "type", intent.Type, "broadcaster", intent.BroadcasterKey)
			result.Existing++
			r.recorder.SubscriptionReconciled(intent.Type, OutcomeExisting)
		case err != nil:
			result.Failed++
			r.recorder.SubscriptionReconciled(intent.Type, OutcomeFailed)
			errs = append(errs, fmt.Errorf("%s for %s: %w", intent.Type, intent.BroadcasterKey, err))
			continue
		default:
			slog.InfoContext(ctx, "Subscribed to "+intent.Type, "broadcaster", intent.BroadcasterKey, "subscription_id", id)
			result.Created++
			r.recorder.SubscriptionReconciled(intent.Type, OutcomeCreated)
		}

		// a repeated intent in the same pass must not create twice
		current = append(current, domain.ActiveSubscription{
			ID:        id,
			Type:      intent.Type,
			SessionID: sessionID,
			Condition: intent.Condition(),
		})
	}

	return result, errors.Join(errs...)
}

func satisfied(subs []domain.ActiveSubscription, intent domain.SubscriptionIntent, sessionID string) bool {
	for _, sub := range subs {
		if sub.Satisfies(intent, sessionID) {
			return true
		}
	}
	return false
}
