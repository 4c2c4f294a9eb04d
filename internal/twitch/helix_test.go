package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHelixClient(t *testing.T, handler http.HandlerFunc) *HelixClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	hc, err := NewHelixClient("test_client", srv.URL, nil)
	require.NoError(t, err)
	hc.policy.InitialBackoff = time.Millisecond
	hc.policy.RateLimitBackoff = time.Millisecond
	return hc
}

func isSubscriptionsPath(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/eventsub/subscriptions")
}

func TestHelixListSubscriptions_FollowsPagination(t *testing.T) {
	var pages atomic.Int32
	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, isSubscriptionsPath(r))
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer bot-access", r.Header.Get("Authorization"))
		assert.Equal(t, "test_client", r.Header.Get("Client-Id"))
		assert.Equal(t, "enabled", r.URL.Query().Get("status"))
		pages.Add(1)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("after") {
		case "":
			_, _ = w.Write([]byte(`{
				"total": 2,
				"data": [{
					"id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
					"status": "enabled",
					"type": "channel.ban",
					"version": "1",
					"condition": {"broadcaster_user_id": "2002"},
					"created_at": "2026-03-01T12:00:00Z",
					"transport": {"method": "websocket", "session_id": "abc"},
					"cost": 0
				}],
				"pagination": {"cursor": "page-2"}
			}`))
		case "page-2":
			_, _ = w.Write([]byte(`{
				"total": 2,
				"data": [{
					"id": "a8b5c1de-0000-4c2e-9d1a-2b3c4d5e6f70",
					"status": "enabled",
					"type": "channel.chat.clear",
					"version": "1",
					"condition": {"broadcaster_user_id": "2002", "user_id": "1001"},
					"created_at": "2026-03-01T12:00:01Z",
					"transport": {"method": "websocket", "session_id": "old"},
					"cost": 0
				}],
				"pagination": {}
			}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	})

	subs, err := hc.ListSubscriptions(context.Background(), "bot-access")

	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	require.Len(t, subs, 2)
	assert.Equal(t, domain.SubChannelBan, subs[0].Type)
	assert.Equal(t, "abc", subs[0].SessionID)
	assert.Equal(t, "2002", subs[0].Condition.BroadcasterUserID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), subs[0].CreatedAt.UTC())
	assert.Equal(t, "old", subs[1].SessionID)
	assert.Equal(t, "1001", subs[1].Condition.UserID)
}

func TestHelixCreateSubscription_SendsWebSocketTransport(t *testing.T) {
	intent := domain.IntentsFor(testBroadcaster, testBot)[6] // channel.warning.send

	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, isSubscriptionsPath(r))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer bot-access", r.Header.Get("Authorization"))

		var body struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
			Transport map[string]string `json:"transport"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, domain.SubChannelWarningSend, body.Type)
		assert.Equal(t, "1", body.Version)
		assert.Equal(t, "2002", body.Condition["broadcaster_user_id"])
		assert.Equal(t, "1001", body.Condition["moderator_user_id"])
		assert.Equal(t, "websocket", body.Transport["method"])
		assert.Equal(t, "abc", body.Transport["session_id"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{
			"data": [{
				"id": "new-sub-id",
				"status": "enabled",
				"type": "channel.warning.send",
				"version": "1",
				"condition": {"broadcaster_user_id": "2002", "moderator_user_id": "1001"},
				"created_at": "2026-03-01T12:00:00Z",
				"transport": {"method": "websocket", "session_id": "abc"},
				"cost": 0
			}],
			"total": 1,
			"total_cost": 0,
			"max_total_cost": 10
		}`))
	})

	id, err := hc.CreateSubscription(context.Background(), "bot-access", intent, "abc")

	require.NoError(t, err)
	assert.Equal(t, "new-sub-id", id)
}

func TestHelixCreateSubscription_ConflictIsExists(t *testing.T) {
	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"Conflict","status":409,"message":"subscription already exists"}`))
	})

	_, err := hc.CreateSubscription(context.Background(), "bot-access", domain.IntentsFor(testBroadcaster, testBot)[0], "abc")

	assert.ErrorIs(t, err, ErrSubscriptionExists)
}

func TestHelixCreateSubscription_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
	})

	_, err := hc.CreateSubscription(context.Background(), "stale", domain.IntentsFor(testBroadcaster, testBot)[0], "abc")

	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHelixListSubscriptions_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"Service Unavailable","status":503,"message":""}`))
			return
		}
		_, _ = w.Write([]byte(`{"total":0,"data":[],"pagination":{}}`))
	})

	subs, err := hc.ListSubscriptions(context.Background(), "bot-access")

	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHelixListSubscriptions_PersistentFailure(t *testing.T) {
	hc := newTestHelixClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := hc.ListSubscriptions(context.Background(), "bot-access")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, IsUnauthorized(err))
}
