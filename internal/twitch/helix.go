package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/retry"
	"golang.org/x/time/rate"
)

const (
	DefaultHelixURL = "https://api.twitch.tv/helix"

	// Twitch grants 800 points per minute per client.
	helixRequestsPerMinute = 800
	helixBurst             = 20
	helixRequestTimeout    = 10 * time.Second

	transportWebSocket    = "websocket"
	subscriptionsEnabled  = "enabled"
	maxSubscriptionsPages = 100
)

// ErrSubscriptionExists is returned by CreateSubscription on 409 Conflict.
var ErrSubscriptionExists = errors.New("eventsub subscription already exists")

var errRateLimitWait = errors.New("helix rate limiter wait failed")

// APIError is a non-success response from the Helix API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix returned status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a Helix 401, i.e. the access token
// was rejected.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// HelixClient wraps helix.Client for the EventSub subscription calls. The
// underlying client holds one user token at a time, so calls are serialised.
type HelixClient struct {
	mu      sync.Mutex
	client  *helix.Client
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker[any]
	policy  retry.Policy
}

func NewHelixClient(clientID, apiURL string, recorder Recorder) (*HelixClient, error) {
	if apiURL == "" {
		apiURL = DefaultHelixURL
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	client, err := helix.NewClient(&helix.Options{
		ClientID:   clientID,
		APIBaseURL: apiURL,
		HTTPClient: &http.Client{Timeout: helixRequestTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(5).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "helix",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			recorder.CircuitStateChanged("helix", e.NewState.String())
		}).
		Build()

	return &HelixClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/helixRequestsPerMinute), helixBurst),
		breaker: breaker,
		policy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   time.Second,
			RateLimitBackoff: 10 * time.Second,
			MaxBackoff:       30 * time.Second,
		},
	}, nil
}

// ListSubscriptions returns every enabled subscription visible to the token,
// following pagination to the last page.
func (hc *HelixClient) ListSubscriptions(ctx context.Context, accessToken string) ([]domain.ActiveSubscription, error) {
	var (
		subs   []domain.ActiveSubscription
		cursor string
	)

	for page := 0; page < maxSubscriptionsPages; page++ {
		resp, err := hc.listPage(ctx, accessToken, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to list eventsub subscriptions: %w", err)
		}

		for _, s := range resp.Data.EventSubSubscriptions {
			subs = append(subs, toActiveSubscription(s))
		}

		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			return subs, nil
		}
	}

	return nil, fmt.Errorf("failed to list eventsub subscriptions: more than %d pages", maxSubscriptionsPages)
}

func (hc *HelixClient) listPage(ctx context.Context, accessToken, cursor string) (*helix.EventSubSubscriptionsResponse, error) {
	return retryHelix(ctx, hc, "list subscriptions", accessToken, http.StatusOK, func() (*helix.EventSubSubscriptionsResponse, *helix.ResponseCommon, error) {
		resp, err := hc.client.GetEventSubSubscriptions(&helix.EventSubSubscriptionsParams{
			Status: subscriptionsEnabled,
			After:  cursor,
		})
		if err != nil {
			return nil, nil, err
		}
		return resp, &resp.ResponseCommon, nil
	})
}

// CreateSubscription subscribes intent on the given WebSocket session and
// returns the new subscription id.
func (hc *HelixClient) CreateSubscription(ctx context.Context, accessToken string, intent domain.SubscriptionIntent, sessionID string) (string, error) {
	cond := intent.Condition()

	resp, err := retryHelix(ctx, hc, "create subscription", accessToken, http.StatusAccepted, func() (*helix.EventSubSubscriptionsResponse, *helix.ResponseCommon, error) {
		resp, err := hc.client.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:    intent.Type,
			Version: intent.Version,
			Condition: helix.EventSubCondition{
				BroadcasterUserID: cond.BroadcasterUserID,
				UserID:            cond.UserID,
				ModeratorUserID:   cond.ModeratorUserID,
			},
			Transport: helix.EventSubTransport{
				Method:    transportWebSocket,
				SessionID: sessionID,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return resp, &resp.ResponseCommon, nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return "", ErrSubscriptionExists
		}
		return "", fmt.Errorf("failed to create %s subscription: %w", intent.Type, err)
	}

	if len(resp.Data.EventSubSubscriptions) == 0 {
		return "", fmt.Errorf("failed to create %s subscription: no subscription returned", intent.Type)
	}
	return resp.Data.EventSubSubscriptions[0].ID, nil
}

// retryHelix runs one Helix call through the limiter, the circuit breaker and
// the retry policy. Only 5xx and 429 responses count against the breaker.
func retryHelix[T any](ctx context.Context, hc *HelixClient, op, accessToken string, want int, call func() (T, *helix.ResponseCommon, error)) (T, error) {
	p := hc.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Helix call failed, retrying", "op", op, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	val, err := retry.Do(ctx, p, classifyHelixError, func(ctx context.Context) (T, error) {
		var zero T
		if err := hc.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%w: %w", errRateLimitWait, err)
		}
		if !hc.breaker.TryAcquirePermit() {
			return zero, fmt.Errorf("helix circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		hc.mu.Lock()
		hc.client.SetUserAccessToken(accessToken)
		val, common, err := call()
		hc.mu.Unlock()

		if err != nil {
			hc.breaker.RecordError(err)
			return zero, err
		}
		if common.StatusCode != want {
			apiErr := &APIError{StatusCode: common.StatusCode, Message: helixMessage(common)}
			if common.StatusCode >= 500 || common.StatusCode == http.StatusTooManyRequests {
				hc.breaker.RecordError(apiErr)
			} else {
				hc.breaker.RecordSuccess()
			}
			return zero, apiErr
		}

		hc.breaker.RecordSuccess()
		return val, nil
	})
	return val, unwrapPermanent(err)
}

func classifyHelixError(err error) retry.Action {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, errRateLimitWait) {
		return retry.Stop
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retry.ClassifyStatus(apiErr.StatusCode)
	}
	return retry.Retry
}

func helixMessage(c *helix.ResponseCommon) string {
	if c.ErrorMessage != "" {
		return c.ErrorMessage
	}
	return c.Error
}

func toActiveSubscription(s helix.EventSubSubscription) domain.ActiveSubscription {
	return domain.ActiveSubscription{
		ID:        s.ID,
		Type:      s.Type,
		Status:    s.Status,
		SessionID: s.Transport.SessionID,
		Condition: domain.SubscriptionCondition{
			BroadcasterUserID: s.Condition.BroadcasterUserID,
			UserID:            s.Condition.UserID,
			ModeratorUserID:   s.Condition.ModeratorUserID,
		},
		CreatedAt: s.CreatedAt.Time,
	}
}
