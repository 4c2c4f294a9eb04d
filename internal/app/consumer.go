package app

import (
	"context"
	"log/slog"

	"github.com/pscheid92/chatguard/internal/domain"
)

// EventSource is the consumer side of the event queue.
type EventSource interface {
	Pop(ctx context.Context) (domain.BotEvent, error)
	Len() int
}

type DepthRecorder interface {
	QueueDepthChanged(n int)
}

// ModerationLog drains the event queue and writes one log line per event.
type ModerationLog struct {
	events   EventSource
	recorder DepthRecorder
}

func NewModerationLog(events EventSource, recorder DepthRecorder) *ModerationLog {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &ModerationLog{events: events, recorder: recorder}
}

// Run consumes events until ctx is done.
func (l *ModerationLog) Run(ctx context.Context) error {
	for {
		ev, err := l.events.Pop(ctx)
		if err != nil {
			return err
		}
		l.recorder.QueueDepthChanged(l.events.Len())
		slog.InfoContext(ctx, "Moderation event", eventAttrs(ev)...)
	}
}

func eventAttrs(ev domain.BotEvent) []any {
	attrs := []any{"kind", string(ev.Kind()), "message_id", ev.Meta().MessageID}

	switch e := ev.(type) {
	case domain.StreamOnlineEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin, "stream_type", e.Type, "started_at", e.StartedAt)
	case domain.StreamOfflineEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin)
	case domain.BanEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin, "moderator", e.ModeratorUserLogin, "user", e.UserLogin,
			"reason", e.Reason, "permanent", e.IsPermanent)
		if e.EndsAt != nil {
			attrs = append(attrs, "ends_at", *e.EndsAt)
		}
	case domain.UnbanEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin, "moderator", e.ModeratorUserLogin, "user", e.UserLogin)
	case domain.MessageDeleteEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin, "user", e.TargetUserLogin, "deleted_message_id", e.DeletedID)
	case domain.ChatClearEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin)
	case domain.WarningEvent:
		attrs = append(attrs, "channel", e.BroadcasterUserLogin, "moderator", e.ModeratorUserLogin, "user", e.UserLogin,
			"reason", e.Reason, "rules", e.ChatRulesCited)
	}
	return attrs
}
