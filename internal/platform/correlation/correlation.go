package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

type contextKey struct{}

// fields is the set of log attributes carried by a context. Each With*
// call copies it so parent contexts are never mutated.
type fields struct {
	id       string
	session  string
	identity string
}

func from(ctx context.Context) fields {
	f, _ := ctx.Value(contextKey{}).(fields)
	return f
}

// NewID generates an 8-character hex correlation ID (4 random bytes).
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithID returns a new context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	f := from(ctx)
	f.id = id
	return context.WithValue(ctx, contextKey{}, f)
}

// WithSession tags ctx with the EventSub session it is working for.
func WithSession(ctx context.Context, sessionID string) context.Context {
	f := from(ctx)
	f.session = sessionID
	return context.WithValue(ctx, contextKey{}, f)
}

// WithIdentity tags ctx with the identity login a token loop owns.
func WithIdentity(ctx context.Context, login string) context.Context {
	f := from(ctx)
	f.identity = login
	return context.WithValue(ctx, contextKey{}, f)
}

// ID extracts the correlation ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id := from(ctx).id
	return id, id != ""
}

func Session(ctx context.Context) (string, bool) {
	s := from(ctx).session
	return s, s != ""
}

// Handler wraps an existing slog.Handler and adds "correlation_id",
// "session_id" and "identity" attributes when the context carries them.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	f := from(ctx)
	if f.id != "" {
		r.AddAttrs(slog.String("correlation_id", f.id))
	}
	if f.session != "" {
		r.AddAttrs(slog.String("session_id", f.session))
	}
	if f.identity != "" {
		r.AddAttrs(slog.String("identity", f.identity))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
