package twitch

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MessageTypeWelcome      = "session_welcome"
	MessageTypeReconnect    = "session_reconnect"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
	MessageTypeKeepalive    = "session_keepalive"
)

type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type Payload struct {
	Session      *SessionInfo      `json:"session,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	Event        json.RawMessage   `json:"event,omitempty"`
}

type SessionInfo struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	KeepaliveTimeoutSeconds *int      `json:"keepalive_timeout_seconds"`
	ReconnectURL            *string   `json:"reconnect_url"`
	ConnectedAt             time.Time `json:"connected_at"`
}

func (s SessionInfo) KeepaliveTimeout() time.Duration {
	if s.KeepaliveTimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*s.KeepaliveTimeoutSeconds) * time.Second
}

type SubscriptionInfo struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a notification envelope reduced to what the dispatcher needs.
type Notification struct {
	MessageID        string
	Timestamp        time.Time
	SubscriptionType string
	Subscription     SubscriptionInfo
	Event            json.RawMessage
}

// ParseError marks a frame the session cannot trust.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed eventsub frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

const maxFrameExcerpt = 256

func newParseError(frame []byte, err error) *ParseError {
	excerpt := string(frame)
	if len(excerpt) > maxFrameExcerpt {
		excerpt = excerpt[:maxFrameExcerpt]
	}
	return &ParseError{Frame: excerpt, Err: err}
}

func ParseEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, newParseError(frame, err)
	}
	if env.Metadata.MessageType == "" {
		return nil, newParseError(frame, fmt.Errorf("missing metadata.message_type"))
	}

	switch env.Metadata.MessageType {
	case MessageTypeWelcome, MessageTypeReconnect:
		if env.Payload.Session == nil || env.Payload.Session.ID == "" {
			return nil, newParseError(frame, fmt.Errorf("%s without session id", env.Metadata.MessageType))
		}
	case MessageTypeNotification, MessageTypeRevocation:
		if env.Payload.Subscription == nil {
			return nil, newParseError(frame, fmt.Errorf("%s without subscription", env.Metadata.MessageType))
		}
	}

	return &env, nil
}

func (e *Envelope) Notification() Notification {
	n := Notification{
		MessageID:        e.Metadata.MessageID,
		Timestamp:        e.Metadata.MessageTimestamp,
		SubscriptionType: e.Metadata.SubscriptionType,
		Event:            e.Payload.Event,
	}
	if e.Payload.Subscription != nil {
		n.Subscription = *e.Payload.Subscription
		if n.SubscriptionType == "" {
			n.SubscriptionType = n.Subscription.Type
		}
	}
	return n
}
