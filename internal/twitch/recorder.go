package twitch

import "github.com/pscheid92/chatguard/internal/domain"

// Outcome labels shared by Recorder implementations.
const (
	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
	OutcomeFailed   = "failed"
	OutcomeOK       = "ok"
	OutcomeRevoked  = "revoked"
)

// Recorder receives operational signals from the EventSub pipeline.
type Recorder interface {
	FrameReceived(messageType string)
	SessionReconnected(reason string)
	SubscriptionReconciled(subscriptionType, outcome string)
	TokenRefreshed(role domain.Role, outcome string)
	TokenValidated(role domain.Role, outcome string)
	EventDispatched(kind domain.EventKind)
	EventDropped(reason string)
	QueueDepthChanged(n int)
	CircuitStateChanged(component, state string)
}

type NopRecorder struct{}

func (NopRecorder) FrameReceived(string)                  {}
func (NopRecorder) SessionReconnected(string)             {}
func (NopRecorder) SubscriptionReconciled(string, string) {}
func (NopRecorder) TokenRefreshed(domain.Role, string)    {}
func (NopRecorder) TokenValidated(domain.Role, string)    {}
func (NopRecorder) EventDispatched(domain.EventKind)      {}
func (NopRecorder) EventDropped(string)                   {}
func (NopRecorder) QueueDepthChanged(int)                 {}
func (NopRecorder) CircuitStateChanged(string, string)    {}
