package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultEventSubURL      = "wss://eventsub.wss.twitch.tv/ws"
	defaultHandshakeTimeout = 10 * time.Second
	// keepaliveGrace is added to the advertised keepalive interval before a
	// silent connection is declared dead.
	keepaliveGrace = 5 * time.Second
	closeWriteWait = time.Second
)

var ErrKeepaliveTimeout = errors.New("no frame received within keepalive interval")

// Dialer opens frame connections. Transport is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (FrameConn, error)
}

// FrameConn is one open WebSocket yielding text frames.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	SetKeepalive(d time.Duration)
	Close() error
}

// TransportError is a dial or read failure on a specific URL.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Transport struct {
	dialer *websocket.Dialer
	grace  time.Duration
}

func NewTransport(handshakeTimeout time.Duration) *Transport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		grace: keepaliveGrace,
	}
}

func (t *Transport) Dial(ctx context.Context, url string) (FrameConn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: url, Err: err}
	}
	return &Conn{ws: ws, url: url, grace: t.grace}, nil
}

// Conn is a gorilla/websocket connection that only surfaces text frames.
type Conn struct {
	ws    *websocket.Conn
	url   string
	grace time.Duration

	mu        sync.Mutex
	keepalive time.Duration
	closeOnce sync.Once
}

// SetKeepalive arms the read deadline for every following read.
func (c *Conn) SetKeepalive(d time.Duration) {
	c.mu.Lock()
	c.keepalive = d
	c.mu.Unlock()
}

func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		c.mu.Lock()
		keepalive := c.keepalive
		c.mu.Unlock()

		if keepalive > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(keepalive + c.grace)); err != nil {
				return nil, &TransportError{Op: "read", URL: c.url, Err: err}
			}
		}

		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				err = fmt.Errorf("%w: %w", ErrKeepaliveTimeout, err)
			}
			return nil, &TransportError{Op: "read", URL: c.url, Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// Close sends a normal close frame and releases the socket. Safe to call
// more than once and concurrently with ReadFrame.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		err = c.ws.Close()
	})
	return err
}

// IsResetWithoutClose reports whether err is the peer dropping the TCP
// stream without a close handshake. Only this case is recovered by
// reconnecting; every other transport error is fatal.
func IsResetWithoutClose(err error) bool {
	if err == nil || errors.Is(err, ErrKeepaliveTimeout) {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseAbnormalClosure
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}
