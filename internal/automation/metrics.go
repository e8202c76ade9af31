package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"boardflow/internal/domain"
)

// Metrics are the automation counters. A nil *Metrics records nothing.
type Metrics struct {
	Executions     *prometheus.CounterVec
	ActionFailures *prometheus.CounterVec
	DepthLimitHits prometheus.Counter
	SchedulerFires *prometheus.CounterVec
	Undos          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
}

// NewMetrics registers the automation metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardflow_automation_executions_total",
			Help: "Rule actions that changed board state",
		}, []string{"action_type", "execution_type"}),
		ActionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardflow_automation_action_failures_total",
			Help: "Rule actions whose handler returned an error",
		}, []string{"action_type"}),
		DepthLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "boardflow_automation_cascade_depth_limit_total",
			Help: "Events dropped because the cascade depth limit was reached",
		}),
		SchedulerFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardflow_automation_scheduler_fires_total",
			Help: "Scheduled triggers that fired",
		}, []string{"trigger_type", "execution_type"}),
		Undos: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardflow_automation_undo_total",
			Help: "Undo attempts by result",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "boardflow_automation_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func execLabel(t domain.ExecutionType) string {
	if t == domain.ExecutionEvent {
		return "event"
	}
	return string(t)
}

func (m *Metrics) executed(a domain.ActionType, t domain.ExecutionType) {
	if m != nil {
		m.Executions.WithLabelValues(string(a), execLabel(t)).Inc()
	}
}

func (m *Metrics) failed(a domain.ActionType) {
	if m != nil {
		m.ActionFailures.WithLabelValues(string(a)).Inc()
	}
}

func (m *Metrics) depthLimited() {
	if m != nil {
		m.DepthLimitHits.Inc()
	}
}

func (m *Metrics) fired(t domain.TriggerType, e domain.ExecutionType) {
	if m != nil {
		m.SchedulerFires.WithLabelValues(string(t), execLabel(e)).Inc()
	}
}

func (m *Metrics) undo(result string) {
	if m != nil {
		m.Undos.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) tick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}
