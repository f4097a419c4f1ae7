package membership

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Validation results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultError   = "error"
)

// Lockout events.
const (
	eventFailedAnswer  = "failed_answer"
	eventAnswerLockout = "answer_lockout"
	eventReset         = "reset"
	eventUnlock        = "unlock"
)

// Metrics counts credential checks and lockout state changes.
// A nil *Metrics records nothing.
type Metrics struct {
	validations   *prometheus.CounterVec
	lockoutEvents *prometheus.CounterVec
}

// NewMetrics creates the provider counters and registers them with reg.
// A nil reg creates unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admembership",
			Name:      "validations_total",
			Help:      "Credential validations by result.",
		}, []string{"result"}),
		lockoutEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admembership",
			Name:      "lockout_events_total",
			Help:      "Password answer lockout state changes by event.",
		}, []string{"event"}),
	}
}

func (m *Metrics) observeValidation(ok bool, err error) {
	if m == nil {
		return
	}
	result := resultFailure
	switch {
	case err != nil:
		result = resultError
	case ok:
		result = resultSuccess
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLockoutEvent(event string) {
	if m == nil {
		return
	}
	m.lockoutEvents.WithLabelValues(event).Inc()
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	ValidationsSucceeded int64
	ValidationsFailed    int64
	ValidationErrors     int64

	FailedAnswers  int64
	AnswerLockouts int64
	LockoutResets  int64
	Unlocks        int64
}

// Snapshot reads the current counter values. A nil *Metrics reads as zero.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		ValidationsSucceeded: counterValue(m.validations, resultSuccess),
		ValidationsFailed:    counterValue(m.validations, resultFailure),
		ValidationErrors:     counterValue(m.validations, resultError),
		FailedAnswers:        counterValue(m.lockoutEvents, eventFailedAnswer),
		AnswerLockouts:       counterValue(m.lockoutEvents, eventAnswerLockout),
		LockoutResets:        counterValue(m.lockoutEvents, eventReset),
		Unlocks:              counterValue(m.lockoutEvents, eventUnlock),
	}
}

// Fields returns the snapshot as log fields.
func (s MetricsSnapshot) Fields() map[string]any {
	return map[string]any{
		"validations_succeeded": s.ValidationsSucceeded,
		"validations_failed":    s.ValidationsFailed,
		"validation_errors":     s.ValidationErrors,
		"failed_answers":        s.FailedAnswers,
		"answer_lockouts":       s.AnswerLockouts,
		"lockout_resets":        s.LockoutResets,
		"unlocks":               s.Unlocks,
	}
}

func counterValue(vec *prometheus.CounterVec, label string) int64 {
	var metric dto.Metric
	if err := vec.WithLabelValues(label).Write(&metric); err != nil {
		return 0
	}
	return int64(metric.GetCounter().GetValue())
}
