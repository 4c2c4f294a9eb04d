package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder receives every signal of the EventSub pipeline and the token
// loops and turns it into metrics.
type Recorder struct {
	*EventSubMetrics
	*TokenMetrics
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	return &Recorder{
		EventSubMetrics: NewEventSubMetrics(reg),
		TokenMetrics:    NewTokenMetrics(reg),
	}
}
