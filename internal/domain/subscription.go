package domain

import "time"

// EventSub subscription types the bot manages.
const (
	SubStreamOnline        = "stream.online"
	SubStreamOffline       = "stream.offline"
	SubChannelBan          = "channel.ban"
	SubChannelUnban        = "channel.unban"
	SubChatMessageDelete   = "channel.chat.message_delete"
	SubChatClear           = "channel.chat.clear"
	SubChannelWarningSend  = "channel.warning.send"
	SubscriptionVersionOne = "1"
)

// SubscriptionIntent is a desired (type, target) pair that must be
// subscribed on the current session.
type SubscriptionIntent struct {
	Type           string
	Version        string
	BroadcasterKey string
	BroadcasterID  string
	BotKey         string
	BotUserID      string
}

// Condition returns the EventSub condition for the intent. Chat events are
// scoped to the reading user, warnings to the moderating user.
func (i SubscriptionIntent) Condition() SubscriptionCondition {
	cond := SubscriptionCondition{BroadcasterUserID: i.BroadcasterID}
	switch i.Type {
	case SubChatMessageDelete, SubChatClear:
		cond.UserID = i.BotUserID
	case SubChannelWarningSend:
		cond.ModeratorUserID = i.BotUserID
	}
	return cond
}

type SubscriptionCondition struct {
	BroadcasterUserID string
	UserID            string
	ModeratorUserID   string
}

// IntentsFor builds the full intent set for one monitored broadcaster.
func IntentsFor(broadcaster, bot Credential) []SubscriptionIntent {
	types := []string{
		SubStreamOnline,
		SubStreamOffline,
		SubChannelBan,
		SubChannelUnban,
		SubChatMessageDelete,
		SubChatClear,
		SubChannelWarningSend,
	}

	intents := make([]SubscriptionIntent, 0, len(types))
	for _, t := range types {
		intents = append(intents, SubscriptionIntent{
			Type:           t,
			Version:        SubscriptionVersionOne,
			BroadcasterKey: broadcaster.Login,
			BroadcasterID:  broadcaster.UserID,
			BotKey:         bot.Login,
			BotUserID:      bot.UserID,
		})
	}
	return intents
}

// ActiveSubscription is a platform-side subscription as returned by a list
// call. It is never cached across reconciliation passes.
type ActiveSubscription struct {
	ID        string
	Type      string
	Status    string
	SessionID string
	Condition SubscriptionCondition
	CreatedAt time.Time
}

// Satisfies reports whether the subscription fulfils intent on sessionID.
func (s ActiveSubscription) Satisfies(intent SubscriptionIntent, sessionID string) bool {
	return s.SessionID == sessionID &&
		s.Type == intent.Type &&
		s.Condition.BroadcasterUserID == intent.BroadcasterID
}
