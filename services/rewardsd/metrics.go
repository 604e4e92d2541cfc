package rewardsd

import "karmachain/observability"

// Metrics exposes Prometheus collectors for rewardsd instrumentation.
type Metrics = observability.RewardsdMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Rewardsd() }
