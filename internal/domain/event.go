package domain

import "time"

type EventKind string

const (
	EventStreamOnline  EventKind = "stream_online"
	EventStreamOffline EventKind = "stream_offline"
	EventBan           EventKind = "ban"
	EventUnban         EventKind = "unban"
	EventMessageDelete EventKind = "message_delete"
	EventChatClear     EventKind = "chat_clear"
	EventWarning       EventKind = "warning"
)

// BotEvent is a typed notification handed to downstream consumers.
// Values are immutable after the dispatcher builds them.
type BotEvent interface {
	Kind() EventKind
	Meta() EventMeta
}

// EventMeta carries the delivery metadata shared by every event.
type EventMeta struct {
	MessageID string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

func (m EventMeta) Meta() EventMeta { return m }

// Broadcaster identifies the channel an event belongs to.
type Broadcaster struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

type Moderator struct {
	ModeratorUserID    string `json:"moderator_user_id"`
	ModeratorUserLogin string `json:"moderator_user_login"`
	ModeratorUserName  string `json:"moderator_user_name"`
}

type TargetUser struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

type StreamOnlineEvent struct {
	EventMeta
	Broadcaster
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

func (StreamOnlineEvent) Kind() EventKind { return EventStreamOnline }

type StreamOfflineEvent struct {
	EventMeta
	Broadcaster
}

func (StreamOfflineEvent) Kind() EventKind { return EventStreamOffline }

// BanEvent covers both timeouts and permanent bans; EndsAt is nil for the latter.
type BanEvent struct {
	EventMeta
	Broadcaster
	Moderator
	TargetUser
	Reason      string     `json:"reason"`
	BannedAt    time.Time  `json:"banned_at"`
	EndsAt      *time.Time `json:"ends_at"`
	IsPermanent bool       `json:"is_permanent"`
}

func (BanEvent) Kind() EventKind { return EventBan }

type UnbanEvent struct {
	EventMeta
	Broadcaster
	Moderator
	TargetUser
}

func (UnbanEvent) Kind() EventKind { return EventUnban }

type MessageDeleteEvent struct {
	EventMeta
	Broadcaster
	TargetUserID    string `json:"target_user_id"`
	TargetUserLogin string `json:"target_user_login"`
	TargetUserName  string `json:"target_user_name"`
	DeletedID       string `json:"message_id"`
}

func (MessageDeleteEvent) Kind() EventKind { return EventMessageDelete }

type ChatClearEvent struct {
	EventMeta
	Broadcaster
}

func (ChatClearEvent) Kind() EventKind { return EventChatClear }

type WarningEvent struct {
	EventMeta
	Broadcaster
	Moderator
	TargetUser
	Reason         string   `json:"reason"`
	ChatRulesCited []string `json:"chat_rules_cited"`
}

func (WarningEvent) Kind() EventKind { return EventWarning }
