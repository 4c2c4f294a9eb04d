package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/chatguard/internal/domain"
)

// defaultDedupWindow is how many recent message ids are remembered.
// EventSub delivers at least once, so a redelivery within the window is dropped.
const defaultDedupWindow = 512

// Dispatcher converts notifications into BotEvents and pushes them to a Queue.
type Dispatcher struct {
	queue    *Queue
	recorder Recorder

	mu     sync.Mutex
	seen   map[string]struct{}
	recent []string
	next   int
}

func NewDispatcher(queue *Queue, recorder Recorder) *Dispatcher {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Dispatcher{
		queue:    queue,
		recorder: recorder,
		seen:     make(map[string]struct{}, defaultDedupWindow),
		recent:   make([]string, defaultDedupWindow),
	}
}

// Dispatch enqueues the event carried by n. Unsupported subscription types
// and duplicate deliveries are dropped without error; an undecodable
// payload for a supported type is a *ParseError.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	ev, err := decodeEvent(n)
	if err != nil {
		return err
	}
	if ev == nil {
		slog.DebugContext(ctx, "Dropping unsupported EventSub notification", "subscription_type", n.SubscriptionType)
		d.recorder.EventDropped("unsupported")
		return nil
	}

	if n.MessageID != "" && !d.remember(n.MessageID) {
		slog.DebugContext(ctx, "Dropping duplicate EventSub notification", "message_id", n.MessageID)
		d.recorder.EventDropped("duplicate")
		return nil
	}

	d.queue.Push(ev)
	d.recorder.EventDispatched(ev.Kind())
	d.recorder.QueueDepthChanged(d.queue.Len())
	return nil
}

// remember records id and reports whether it was new.
func (d *Dispatcher) remember(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}

	if evicted := d.recent[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.recent[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.recent)
	return true
}

func decodeEvent(n Notification) (domain.BotEvent, error) {
	meta := domain.EventMeta{MessageID: n.MessageID, Timestamp: n.Timestamp}

	switch n.SubscriptionType {
	case domain.SubStreamOnline:
		ev, err := decode[domain.StreamOnlineEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubStreamOffline:
		ev, err := decode[domain.StreamOfflineEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubChannelBan:
		ev, err := decode[domain.BanEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubChannelUnban:
		ev, err := decode[domain.UnbanEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubChatMessageDelete:
		ev, err := decode[domain.MessageDeleteEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubChatClear:
		ev, err := decode[domain.ChatClearEvent](n)
		ev.EventMeta = meta
		return ev, err
	case domain.SubChannelWarningSend:
		ev, err := decode[domain.WarningEvent](n)
		ev.EventMeta = meta
		return ev, err
	default:
		return nil, nil
	}
}

func decode[T domain.BotEvent](n Notification) (T, error) {
	var ev T
	if len(n.Event) == 0 {
		return ev, newParseError(nil, fmt.Errorf("%s notification without event", n.SubscriptionType))
	}
	if err := json.Unmarshal(n.Event, &ev); err != nil {
		return ev, newParseError(n.Event, fmt.Errorf("failed to decode %s event: %w", n.SubscriptionType, err))
	}
	return ev, nil
}
