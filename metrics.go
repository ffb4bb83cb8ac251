package ensemble

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	callsInFlight prometheus.Gauge
	callsSettled  *prometheus.CounterVec
	taskFirings   *prometheus.CounterVec
	taskSkips     *prometheus.CounterVec
	taskFailures  *prometheus.CounterVec
	serviceStates *prometheus.GaugeVec
}

// NewMetrics registers the runtime's collectors on reg. The app label
// distinguishes multiple applications sharing one registry.
func NewMetrics(reg prometheus.Registerer, app string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"app": app}
	return &Metrics{
		callsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ensemble_server_calls_in_flight",
			Help:        "Calls currently admitted to the task server.",
			ConstLabels: labels,
		}),
		callsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "ensemble_server_calls_settled_total",
			Help:        "Settled task server calls by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		taskFirings: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "ensemble_scheduler_task_firings_total",
			Help:        "Scheduled task executions.",
			ConstLabels: labels,
		}, []string{"task"}),
		taskSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "ensemble_scheduler_task_skips_total",
			Help:        "Scheduled task slots skipped due to overlap or suspension.",
			ConstLabels: labels,
		}, []string{"task"}),
		taskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "ensemble_scheduler_task_failures_total",
			Help:        "Scheduled task executions that returned an error.",
			ConstLabels: labels,
		}, []string{"task"}),
		serviceStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ensemble_service_state",
			Help:        "Current lifecycle state per service, one-hot by state label.",
			ConstLabels: labels,
		}, []string{"service", "state"}),
	}
}

func (m *Metrics) callAdmitted() {
	if m == nil {
		return
	}
	m.callsInFlight.Inc()
}

func (m *Metrics) callReleased() {
	if m == nil {
		return
	}
	m.callsInFlight.Dec()
}

func (m *Metrics) callSettled(err error) {
	if m == nil {
		return
	}
	m.callsSettled.WithLabelValues(callOutcome(err)).Inc()
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrCallCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (m *Metrics) taskFired(task string) {
	if m == nil {
		return
	}
	m.taskFirings.WithLabelValues(task).Inc()
}

func (m *Metrics) taskSkipped(task string) {
	if m == nil {
		return
	}
	m.taskSkips.WithLabelValues(task).Inc()
}

func (m *Metrics) taskFailed(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

func (m *Metrics) serviceState(service string, state State) {
	if m == nil {
		return
	}
	for _, s := range []State{StateCreated, StateStarting, StateReady, StateClosing, StateClosed, StateFailed} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.serviceStates.WithLabelValues(service, string(s)).Set(v)
	}
}
