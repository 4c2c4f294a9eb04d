package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/correlation"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingWelcome
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventHandler is the bot policy a Session drives. SubscribeEvents runs on
// every welcome and reconnect; HandleEvent runs once per notification, in
// frame order.
type EventHandler interface {
	HandleEvent(ctx context.Context, n Notification) error
	SubscribeEvents(ctx context.Context, sessionID string) error
}

// RevocationError is returned when the platform revokes a subscription.
// It matches domain.ErrTokenRevoked with errors.Is.
type RevocationError struct {
	SubscriptionID   string
	SubscriptionType string
	Status           string
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("subscription %s (%s) revoked: %s", e.SubscriptionID, e.SubscriptionType, e.Status)
}

func (e *RevocationError) Unwrap() error { return domain.ErrTokenRevoked }

// Session reads one EventSub WebSocket session. Frames are handled strictly
// sequentially on the goroutine calling Run.
type Session struct {
	connectURL string
	dialer     Dialer
	handler    EventHandler
	recorder   Recorder

	mu        sync.Mutex
	state     State
	sessionID string
	conn      FrameConn
	pending   FrameConn
	closed    bool
}

type SessionOption func(*Session)

func WithSessionRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

func NewSession(connectURL string, dialer Dialer, handler EventHandler, opts ...SessionOption) *Session {
	s := &Session{
		connectURL: connectURL,
		dialer:     dialer,
		handler:    handler,
		recorder:   NopRecorder{},
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the current platform session id, empty before the first welcome.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects and processes frames until a fatal error or ctx is done.
// A reset without close handshake reconnects to the original URL; every
// other transport error, a revocation, or a malformed frame ends Run.
func (s *Session) Run(ctx context.Context) error {
	conn, err := s.connect(ctx, s.connectURL)
	if err != nil {
		s.shutdown()
		return err
	}

	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()
	defer s.shutdown()

	slog.InfoContext(ctx, "EventSub connection opened", "url", s.connectURL)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if next := s.takePending(); next != nil {
				slog.InfoContext(ctx, "Previous EventSub connection ended, continuing on reconnect target", "error", err)
				_ = conn.Close()
				conn = next
				continue
			}

			if IsResetWithoutClose(err) {
				slog.WarnContext(ctx, "EventSub connection reset without close, reconnecting", "url", s.connectURL, "error", err)
				s.recorder.SessionReconnected("reset")
				_ = conn.Close()
				if conn, err = s.connect(ctx, s.connectURL); err != nil {
					return err
				}
				continue
			}

			return err
		}

		if err := s.handleFrame(ctx, conn, frame); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, conn FrameConn, frame []byte) error {
	env, err := ParseEnvelope(frame)
	if err != nil {
		return err
	}

	msgType := env.Metadata.MessageType
	s.recorder.FrameReceived(msgType)

	ctx = correlation.WithID(ctx, correlation.NewID())
	if id := s.ID(); id != "" {
		ctx = correlation.WithSession(ctx, id)
	}

	switch msgType {
	case MessageTypeWelcome:
		s.welcome(ctx, conn, env.Payload.Session)
	case MessageTypeReconnect:
		return s.reconnect(ctx, env.Payload.Session)
	case MessageTypeNotification:
		n := env.Notification()
		if err := s.handler.HandleEvent(ctx, n); err != nil {
			return fmt.Errorf("failed to handle %s notification: %w", n.SubscriptionType, err)
		}
	case MessageTypeRevocation:
		sub := env.Payload.Subscription
		slog.ErrorContext(ctx, "EventSub subscription revoked", "subscription_id", sub.ID, "type", sub.Type, "status", sub.Status)
		return &RevocationError{SubscriptionID: sub.ID, SubscriptionType: sub.Type, Status: sub.Status}
	case MessageTypeKeepalive:
		slog.DebugContext(ctx, "EventSub keepalive")
	default:
		slog.DebugContext(ctx, "Ignoring unknown EventSub message type", "message_type", msgType)
	}
	return nil
}

func (s *Session) welcome(ctx context.Context, conn FrameConn, info *SessionInfo) {
	s.mu.Lock()
	s.sessionID = info.ID
	s.state = StateActive
	s.mu.Unlock()

	if keepalive := info.KeepaliveTimeout(); keepalive > 0 {
		conn.SetKeepalive(keepalive)
	}

	ctx = correlation.WithSession(ctx, info.ID)
	slog.InfoContext(ctx, "EventSub session welcomed", "keepalive_seconds", info.KeepaliveTimeout().Seconds())
	s.subscribe(ctx, info.ID)
}

// reconnect records the session, reconciles, then dials reconnect_url for a
// single hop. The old connection keeps being read until the platform closes
// it, so notifications already in flight there are handled first.
func (s *Session) reconnect(ctx context.Context, info *SessionInfo) error {
	s.mu.Lock()
	s.sessionID = info.ID
	s.state = StateReconnecting
	s.mu.Unlock()

	s.recorder.SessionReconnected("requested")
	ctx = correlation.WithSession(ctx, info.ID)
	s.subscribe(ctx, info.ID)

	if info.ReconnectURL == nil || *info.ReconnectURL == "" {
		slog.WarnContext(ctx, "EventSub reconnect without reconnect_url, staying on current connection")
		return nil
	}

	next, err := s.dialer.Dial(ctx, *info.ReconnectURL)
	if err != nil {
		return fmt.Errorf("failed to follow eventsub reconnect: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = next.Close()
		return context.Cause(ctx)
	}
	if s.pending != nil {
		_ = s.pending.Close()
	}
	s.pending = next

	slog.InfoContext(ctx, "EventSub reconnect target dialed")
	return nil
}

func (s *Session) subscribe(ctx context.Context, sessionID string) {
	if err := s.handler.SubscribeEvents(ctx, sessionID); err != nil {
		slog.WarnContext(ctx, "Subscription reconciliation incomplete, retrying on next welcome", "error", err)
	}
}

func (s *Session) connect(ctx context.Context, url string) (FrameConn, error) {
	s.setState(StateConnecting)

	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to eventsub: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return nil, context.Cause(ctx)
	}
	s.conn = conn
	s.state = StateAwaitingWelcome
	return conn, nil
}

func (s *Session) takePending() FrameConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pending
	if next != nil {
		s.conn = next
		s.pending = nil
	}
	return next
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// shutdown closes every open connection and marks the session closed. It
// runs on ctx cancellation to unblock a pending read.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.pending != nil {
		_ = s.pending.Close()
		s.pending = nil
	}
	s.closed = true
	s.sessionID = ""
	s.state = StateClosed
}
