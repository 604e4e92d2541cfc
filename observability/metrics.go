package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rewardsdMetricsOnce sync.Once
	rewardsdRegistry    *RewardsdMetrics
)

// RewardsdMetrics wraps collectors tracking reward settlement health.
type RewardsdMetrics struct {
	outcomes      *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	pauseEngaged  prometheus.Gauge
}

// Rewardsd exposes the lazily-initialised metrics registry for rewardsd.
func Rewardsd() *RewardsdMetrics {
	rewardsdMetricsOnce.Do(func() {
		rewardsdRegistry = &RewardsdMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "karma",
				Subsystem: "rewardsd",
				Name:      "settle_outcomes_total",
				Help:      "Settlement outcomes segmented by reward type and status.",
			}, []string{"reward_type", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "karma",
				Subsystem: "rewardsd",
				Name:      "ledger_call_duration_seconds",
				Help:      "Latency distribution for settlement ledger calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "karma",
				Subsystem: "rewardsd",
				Name:      "errors_total",
				Help:      "Orchestrator errors segmented by stage.",
			}, []string{"stage"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "karma",
				Subsystem: "rewardsd",
				Name:      "pause_engaged",
				Help:      "Set to 1 while the settlement ledger is paused.",
			}),
		}
		prometheus.MustRegister(
			rewardsdRegistry.outcomes,
			rewardsdRegistry.ledgerLatency,
			rewardsdRegistry.errors,
			rewardsdRegistry.pauseEngaged,
		)
	})
	return rewardsdRegistry
}

// RecordOutcome counts one settlement outcome.
func (m *RewardsdMetrics) RecordOutcome(rewardType, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(rewardType, outcome).Inc()
}

// ObserveLedgerCall records the duration of one ledger operation.
func (m *RewardsdMetrics) ObserveLedgerCall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordError counts an orchestrator error at the given stage.
func (m *RewardsdMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

// SetPaused reflects the ledger pause switch.
func (m *RewardsdMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}
