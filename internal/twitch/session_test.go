package twitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type readResult struct {
	frame string
	err   error
}

type fakeConn struct {
	url string

	mu        sync.Mutex
	reads     []readResult
	keepalive time.Duration
	closed    bool
	done      chan struct{}
}

func newFakeConn(url string, reads ...readResult) *fakeConn {
	return &fakeConn{url: url, reads: reads, done: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	if len(c.reads) > 0 {
		r := c.reads[0]
		c.reads = c.reads[1:]
		c.mu.Unlock()
		if r.err != nil {
			return nil, r.err
		}
		return []byte(r.frame), nil
	}
	c.mu.Unlock()

	<-c.done
	return nil, &TransportError{Op: "read", URL: c.url, Err: errors.New("use of closed connection")}
}

func (c *fakeConn) SetKeepalive(d time.Duration) {
	c.mu.Lock()
	c.keepalive = d
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  map[string][]*fakeConn
	dialed []string
	err    error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn)}
}

func (d *fakeDialer) add(c *fakeConn) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[c.url] = append(d.conns[c.url], c)
	return c
}

func (d *fakeDialer) Dial(_ context.Context, url string) (FrameConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, url)
	if d.err != nil {
		return nil, d.err
	}
	queue := d.conns[url]
	if len(queue) == 0 {
		return nil, &TransportError{Op: "dial", URL: url, Err: errors.New("connection refused")}
	}
	d.conns[url] = queue[1:]
	return queue[0], nil
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

type recordingHandler struct {
	mu            sync.Mutex
	subscribed    []string
	notifications []Notification
	subscribeErr  error
	handleErr     error
}

func (h *recordingHandler) HandleEvent(_ context.Context, n Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, n)
	return h.handleErr
}

func (h *recordingHandler) SubscribeEvents(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = append(h.subscribed, sessionID)
	return h.subscribeErr
}

// --- frames ---

const originalURL = "wss://eventsub.example/ws"

func welcomeFrame(sessionID string, keepalive int) readResult {
	return readResult{frame: fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":"2024-05-01T12:00:00.123456789Z"},"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d,"reconnect_url":null,"connected_at":"2024-05-01T12:00:00Z"}}}`, sessionID, sessionID, keepalive)}
}

func reconnectFrame(sessionID, url string) readResult {
	return readResult{frame: fmt.Sprintf(`{"metadata":{"message_id":"r-%s","message_type":"session_reconnect","message_timestamp":"2024-05-01T12:05:00Z"},"payload":{"session":{"id":%q,"status":"reconnecting","keepalive_timeout_seconds":null,"reconnect_url":%q,"connected_at":"2024-05-01T12:00:00Z"}}}`, sessionID, sessionID, url)}
}

func notificationFrame(messageID, subType string) readResult {
	return readResult{frame: fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","message_timestamp":"2024-05-01T12:01:00Z","subscription_type":%q,"subscription_version":"1"},"payload":{"subscription":{"id":"sub-1","status":"enabled","type":%q,"version":"1","condition":{"broadcaster_user_id":"1337"},"transport":{"method":"websocket","session_id":"abc"},"created_at":"2024-05-01T12:00:01Z"},"event":{"broadcaster_user_id":"1337","broadcaster_user_login":"streamer","broadcaster_user_name":"Streamer"}}}`, messageID, subType, subType)}
}

func revocationFrame() readResult {
	return readResult{frame: `{"metadata":{"message_id":"rv-1","message_type":"revocation","message_timestamp":"2024-05-01T12:02:00Z","subscription_type":"channel.ban","subscription_version":"1"},"payload":{"subscription":{"id":"sub-9","status":"authorization_revoked","type":"channel.ban","version":"1","condition":{"broadcaster_user_id":"1337"},"transport":{"method":"websocket","session_id":"abc"},"created_at":"2024-05-01T12:00:01Z"}}}`}
}

func keepaliveFrame() readResult {
	return readResult{frame: `{"metadata":{"message_id":"k-1","message_type":"session_keepalive","message_timestamp":"2024-05-01T12:00:10Z"},"payload":{}}`}
}

func resetErr() readResult {
	return readResult{err: &TransportError{Op: "read", URL: originalURL, Err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}}}
}

func closedErr(code int) readResult {
	return readResult{err: &TransportError{Op: "read", URL: originalURL, Err: &websocket.CloseError{Code: code}}}
}

// --- tests ---

func TestSession_WelcomeReconcilesAndForwardsInOrder(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add(newFakeConn(originalURL,
		welcomeFrame("abc", 10),
		keepaliveFrame(),
		notificationFrame("n1", domain.SubStreamOnline),
		notificationFrame("n2", domain.SubStreamOffline),
		closedErr(websocket.CloseNormalClosure),
	))
	handler := &recordingHandler{}
	session := NewSession(originalURL, dialer, handler)

	err := session.Run(context.Background())

	require.Error(t, err)
	assert.False(t, IsResetWithoutClose(err))
	assert.Equal(t, []string{"abc"}, handler.subscribed)
	require.Len(t, handler.notifications, 2)
	assert.Equal(t, "n1", handler.notifications[0].MessageID)
	assert.Equal(t, "n2", handler.notifications[1].MessageID)
	assert.Equal(t, domain.SubStreamOffline, handler.notifications[1].SubscriptionType)
	assert.Equal(t, 10*time.Second, conn.keepalive)
	assert.Equal(t, []string{originalURL}, dialer.dialedURLs())
	assert.Equal(t, StateClosed, session.State())
}

func TestSession_ReconnectHopThenResetUsesOriginalURL(t *testing.T) {
	const hopURL = "wss://eventsub-edge.example/ws?challenge=1"

	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL,
		welcomeFrame("abc", 10),
		reconnectFrame("abc", hopURL),
		notificationFrame("late-on-old", domain.SubChannelBan),
		closedErr(4004),
	))
	dialer.add(newFakeConn(hopURL,
		welcomeFrame("abc", 10),
		notificationFrame("on-new", domain.SubChannelUnban),
		resetErr(),
	))
	dialer.add(newFakeConn(originalURL,
		welcomeFrame("def", 10),
		revocationFrame(),
	))
	handler := &recordingHandler{}
	session := NewSession(originalURL, dialer, handler)

	err := session.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrTokenRevoked)
	assert.Equal(t, []string{originalURL, hopURL, originalURL}, dialer.dialedURLs())
	assert.Equal(t, []string{"abc", "abc", "abc", "def"}, handler.subscribed)
	require.Len(t, handler.notifications, 2)
	assert.Equal(t, "late-on-old", handler.notifications[0].MessageID)
	assert.Equal(t, "on-new", handler.notifications[1].MessageID)
}

func TestSession_RevocationDoesNotReconnect(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL, welcomeFrame("abc", 10), revocationFrame()))
	session := NewSession(originalURL, dialer, &recordingHandler{})

	err := session.Run(context.Background())

	var revErr *RevocationError
	require.ErrorAs(t, err, &revErr)
	assert.Equal(t, "sub-9", revErr.SubscriptionID)
	assert.Equal(t, "authorization_revoked", revErr.Status)
	assert.Equal(t, []string{originalURL}, dialer.dialedURLs())
}

func TestSession_MalformedFrameIsFatal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL, readResult{frame: `{"metadata":`}))
	session := NewSession(originalURL, dialer, &recordingHandler{})

	err := session.Run(context.Background())

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Len(t, dialer.dialedURLs(), 1)
}

func TestSession_KeepaliveTimeoutIsFatal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL,
		welcomeFrame("abc", 10),
		readResult{err: &TransportError{Op: "read", URL: originalURL, Err: ErrKeepaliveTimeout}},
	))
	session := NewSession(originalURL, dialer, &recordingHandler{})

	err := session.Run(context.Background())

	require.ErrorIs(t, err, ErrKeepaliveTimeout)
	assert.Len(t, dialer.dialedURLs(), 1)
}

func TestSession_SubscribeFailureIsNotFatal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL,
		welcomeFrame("abc", 10),
		notificationFrame("n1", domain.SubChatClear),
		revocationFrame(),
	))
	handler := &recordingHandler{subscribeErr: errors.New("helix unavailable")}
	session := NewSession(originalURL, dialer, handler)

	err := session.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrTokenRevoked)
	assert.Len(t, handler.notifications, 1)
}

func TestSession_HandleEventErrorIsFatal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add(newFakeConn(originalURL,
		welcomeFrame("abc", 10),
		notificationFrame("n1", domain.SubChatClear),
	))
	handler := &recordingHandler{handleErr: errors.New("bad payload")}
	session := NewSession(originalURL, dialer, handler)

	err := session.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad payload")
}

func TestSession_DialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.err = errors.New("no route to host")
	session := NewSession(originalURL, dialer, &recordingHandler{})

	err := session.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, StateClosed, session.State())
}

func TestSession_ContextCancelClosesConnection(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add(newFakeConn(originalURL, welcomeFrame("abc", 10)))
	handler := &recordingHandler{}
	session := NewSession(originalURL, dialer, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	require.Eventually(t, func() bool { return session.State() == StateActive }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc", session.ID())

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, conn.isClosed())
	assert.Empty(t, session.ID())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(99).String())
}
