package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/twitch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// --- Mock implementations ---

type mockStore struct {
	mu     sync.Mutex
	creds  map[string]domain.Credential
	stamps map[string]time.Time
}

func newMockStore(creds ...domain.Credential) *mockStore {
	s := &mockStore{creds: make(map[string]domain.Credential)}
	for _, c := range creds {
		s.creds[c.Login] = c
	}
	return s
}

func (s *mockStore) Load(_ context.Context, key string) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[key]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	return &c, nil
}

func (s *mockStore) Save(_ context.Context, key string, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = cred
	return nil
}

func (s *mockStore) LastRefreshed(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.stamps[key]
	if !ok {
		return time.Time{}, domain.ErrCredentialNotFound
	}
	return ts, nil
}

type mockOAuth struct {
	mu         sync.Mutex
	validated  map[string]int
	userIDs    map[string]string
	refreshFn  func(ctx context.Context, refreshToken string) (*twitch.RefreshedToken, error)
	validateFn func(accessToken string, call int) error
}

func newMockOAuth(userIDs map[string]string) *mockOAuth {
	return &mockOAuth{validated: make(map[string]int), userIDs: userIDs}
}

func (m *mockOAuth) Refresh(ctx context.Context, refreshToken string) (*twitch.RefreshedToken, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("refresh not expected")
}

func (m *mockOAuth) validations(accessToken string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated[accessToken]
}

// blockingRefresh returns a Refresh that parks until release is closed.
func blockingRefresh(started, release chan struct{}) func(context.Context, string) (*twitch.RefreshedToken, error) {
	var once sync.Once
	return func(ctx context.Context, refreshToken string) (*twitch.RefreshedToken, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &twitch.RefreshedToken{AccessToken: refreshToken + "-next", ExpiresIn: 3600}, nil
	}
}

func (m *mockOAuth) Validate(_ context.Context, accessToken string) (*twitch.ValidatedToken, error) {
	m.mu.Lock()
	m.validated[accessToken]++
	call := m.validated[accessToken]
	m.mu.Unlock()

	if m.validateFn != nil {
		if err := m.validateFn(accessToken, call); err != nil {
			return nil, err
		}
	}
	return &twitch.ValidatedToken{UserID: m.userIDs[accessToken], ExpiresIn: 3600}, nil
}

type mockHelix struct {
	mu      sync.Mutex
	created []domain.SubscriptionIntent
}

func (m *mockHelix) ListSubscriptions(context.Context, string) ([]domain.ActiveSubscription, error) {
	return nil, nil
}

func (m *mockHelix) CreateSubscription(_ context.Context, _ string, intent domain.SubscriptionIntent, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, intent)
	return fmt.Sprintf("sub-%d", len(m.created)), nil
}

func (m *mockHelix) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// scriptedConn yields its frames and then blocks until closed.
type scriptedConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newScriptedConn(frames ...string) *scriptedConn {
	c := &scriptedConn{frames: make(chan []byte, len(frames)), done: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *scriptedConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *scriptedConn) SetKeepalive(time.Duration) {}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type scriptedDialer struct {
	conn *scriptedConn
}

func (d *scriptedDialer) Dial(context.Context, string) (twitch.FrameConn, error) {
	return d.conn, nil
}

type countingRecorder struct {
	twitch.NopRecorder
	degraded atomic.Int32
}

func (r *countingRecorder) BroadcasterDegraded() { r.degraded.Add(1) }

// --- Helpers ---

func storedCredential(login string) domain.Credential {
	return domain.Credential{
		Login:        login,
		AccessToken:  login + "-access",
		RefreshToken: login + "-refresh",
		ExpiresAt:    testEpoch.Add(time.Hour),
	}
}

type testRuntime struct {
	store    *mockStore
	oauth    *mockOAuth
	helix    *mockHelix
	recorder *countingRecorder
	dialer   *scriptedDialer
}

func newTestRuntime(frames ...string) *testRuntime {
	return &testRuntime{
		store: newMockStore(storedCredential("guard_bot"), storedCredential("streamer_one")),
		oauth: newMockOAuth(map[string]string{
			"guard_bot-access":    "1001",
			"streamer_one-access": "2001",
		}),
		helix:    &mockHelix{},
		recorder: &countingRecorder{},
		dialer:   &scriptedDialer{conn: newScriptedConn(frames...)},
	}
}

func (r *testRuntime) build(t *testing.T, broadcasters ...string) (*Bot, error) {
	t.Helper()
	if len(broadcasters) == 0 {
		broadcasters = []string{"streamer_one"}
	}
	return Build(context.Background(), Options{
		BotLogin:            "guard_bot",
		BroadcasterLogins:   broadcasters,
		ConnectURL:          "wss://eventsub.example/ws",
		ValidationInterval:  30 * time.Second,
		ExpirationThreshold: 60 * time.Second,
	}, Deps{
		Store:    r.store,
		OAuth:    r.oauth,
		Helix:    r.helix,
		Dialer:   r.dialer,
		Recorder: r.recorder,
		Clock:    clockwork.NewFakeClockAt(testEpoch),
	})
}

func startBot(t *testing.T, bot *Bot) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bot.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

const welcomeFrame = `{"metadata":{"message_id":"w-1","message_type":"session_welcome","message_timestamp":"2024-05-01T12:00:00Z"},"payload":{"session":{"id":"abc","status":"connected","keepalive_timeout_seconds":10,"reconnect_url":null,"connected_at":"2024-05-01T12:00:00Z"}}}`

const banFrame = `{"metadata":{"message_id":"n-1","message_type":"notification","message_timestamp":"2024-05-01T12:01:00Z","subscription_type":"channel.ban","subscription_version":"1"},"payload":{"subscription":{"id":"sub-3","status":"enabled","type":"channel.ban","version":"1","condition":{"broadcaster_user_id":"2001"},"transport":{"method":"websocket","session_id":"abc"},"created_at":"2024-05-01T12:00:01Z"},"event":{"broadcaster_user_id":"2001","broadcaster_user_login":"streamer_one","broadcaster_user_name":"Streamer_One","moderator_user_id":"1001","moderator_user_login":"guard_bot","moderator_user_name":"Guard_Bot","user_id":"3003","user_login":"spammer","user_name":"Spammer","reason":"spam","banned_at":"2024-05-01T12:00:59Z","ends_at":null,"is_permanent":true}}}`

// --- Tests ---

func TestBuild_MissingBotTokenIsFatal(t *testing.T) {
	rt := newTestRuntime()
	rt.store = newMockStore(storedCredential("streamer_one"))

	_, err := rt.build(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBotTokenNotFound)
}

func TestBuild_InvalidBotTokenIsFatal(t *testing.T) {
	rt := newTestRuntime()
	rt.oauth.validateFn = func(accessToken string, _ int) error {
		if accessToken == "guard_bot-access" {
			return &twitch.TokenValidationError{Invalid: true, Status: http.StatusUnauthorized, Err: errors.New("invalid access token")}
		}
		return nil
	}

	_, err := rt.build(t)

	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestBuild_SkipsMissingBroadcaster(t *testing.T) {
	rt := newTestRuntime()

	bot, err := rt.build(t, "streamer_one", "streamer_two")

	require.NoError(t, err)
	status := bot.Status(context.Background())
	require.Len(t, status.Broadcasters, 1)
	assert.Equal(t, "streamer_one", status.Broadcasters[0].Login)
	assert.Equal(t, "2001", status.Broadcasters[0].UserID)
	assert.Equal(t, int32(1), rt.recorder.degraded.Load())
}

func TestBuild_SkipsBroadcasterWithInvalidToken(t *testing.T) {
	rt := newTestRuntime()
	rt.oauth.validateFn = func(accessToken string, _ int) error {
		if accessToken == "streamer_one-access" {
			return &twitch.TokenValidationError{Invalid: true, Status: http.StatusUnauthorized, Err: errors.New("invalid access token")}
		}
		return nil
	}

	bot, err := rt.build(t)

	require.NoError(t, err)
	assert.Empty(t, bot.Status(context.Background()).Broadcasters)
	assert.Equal(t, int32(1), rt.recorder.degraded.Load())
}

func TestStart_SubscribesAndDeliversEvents(t *testing.T) {
	rt := newTestRuntime(welcomeFrame, banFrame)
	bot, err := rt.build(t)
	require.NoError(t, err)
	require.Error(t, bot.CheckSession(context.Background()), "not active before start")

	cancel, errCh := startBot(t, bot)

	popCtx, popCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer popCancel()
	ev, err := bot.Events().Pop(popCtx)
	require.NoError(t, err)

	ban, ok := ev.(domain.BanEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "spammer", ban.UserLogin)
	assert.Equal(t, "n-1", ban.Meta().MessageID)

	assert.Equal(t, 7, rt.helix.createdCount(), "one create per intent on welcome")
	require.NoError(t, bot.CheckSession(context.Background()))
	status := bot.Status(context.Background())
	assert.Equal(t, "active", status.SessionState)
	assert.Equal(t, "abc", status.SessionID)
	assert.Equal(t, "1001", status.Bot.UserID)

	cancel()
	err = waitErr(t, errCh)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_BotTokenFailureIsFatal(t *testing.T) {
	rt := newTestRuntime()
	rt.oauth.validateFn = func(accessToken string, call int) error {
		if accessToken == "guard_bot-access" && call > 1 {
			return &twitch.TokenValidationError{Invalid: true, Status: http.StatusUnauthorized, Err: errors.New("invalid access token")}
		}
		return nil
	}
	bot, err := rt.build(t)
	require.NoError(t, err)

	_, errCh := startBot(t, bot)
	err = waitErr(t, errCh)

	var identityErr *twitch.IdentityError
	require.ErrorAs(t, err, &identityErr)
	assert.Equal(t, domain.RoleBot, identityErr.Role)
	assert.Equal(t, "guard_bot", identityErr.Key)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestStart_BroadcasterFailureDegrades(t *testing.T) {
	rt := newTestRuntime()
	rt.oauth.validateFn = func(accessToken string, call int) error {
		if accessToken == "streamer_one-access" && call > 1 {
			return &twitch.TokenValidationError{Invalid: true, Status: http.StatusUnauthorized, Err: errors.New("invalid access token")}
		}
		return nil
	}
	bot, err := rt.build(t)
	require.NoError(t, err)

	cancel, errCh := startBot(t, bot)

	require.Eventually(t, func() bool {
		return bot.Status(context.Background()).Broadcasters[0].Degraded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), rt.recorder.degraded.Load())
	assert.Empty(t, bot.behavior.Intents())

	select {
	case err := <-errCh:
		t.Fatalf("Start returned after broadcaster failure: %v", err)
	default:
	}

	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestStart_SlowBroadcasterRefreshDoesNotStallSession(t *testing.T) {
	rt := newTestRuntime(welcomeFrame, banFrame)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	rt.oauth.refreshFn = blockingRefresh(started, release)
	bot, err := rt.build(t)
	require.NoError(t, err)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go func() { _ = bot.behavior.RefreshToken(refreshCtx, "streamer_one") }()
	<-started

	cancel, errCh := startBot(t, bot)

	popCtx, popCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer popCancel()
	ev, err := bot.Events().Pop(popCtx)
	require.NoError(t, err, "frames must keep flowing while a broadcaster refresh is in flight")
	assert.Equal(t, domain.EventBan, ev.Kind())
	assert.Equal(t, 7, rt.helix.createdCount())

	require.Eventually(t, func() bool {
		return rt.oauth.validations("guard_bot-access") >= 2
	}, 2*time.Second, 10*time.Millisecond, "bot token loop must tick independently")

	stopRefresh()
	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestStatus_ReportsLastRefreshedFromStore(t *testing.T) {
	rt := newTestRuntime()
	stamp := testEpoch.Add(-10 * time.Minute)
	rt.store.stamps = map[string]time.Time{"guard_bot": stamp}
	bot, err := rt.build(t)
	require.NoError(t, err)

	status := bot.Status(context.Background())

	require.NotNil(t, status.Bot.LastRefreshed)
	assert.Equal(t, stamp, *status.Bot.LastRefreshed)
	require.Len(t, status.Broadcasters, 1)
	assert.Nil(t, status.Broadcasters[0].LastRefreshed, "unknown stamp is omitted")
	assert.False(t, status.Bot.Degraded)
}

func TestDegradedBroadcasters(t *testing.T) {
	rt := newTestRuntime()
	bot, err := rt.build(t, "streamer_one")
	require.NoError(t, err)
	assert.Empty(t, bot.DegradedBroadcasters())
	assert.Equal(t, "disconnected", bot.SessionState())

	bot.degrade(context.Background(), "streamer_one", errors.New("refresh token revoked"))

	assert.Equal(t, []string{"streamer_one"}, bot.DegradedBroadcasters())
	assert.True(t, bot.Status(context.Background()).Broadcasters[0].Degraded)
}
