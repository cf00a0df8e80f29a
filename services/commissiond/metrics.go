package commissiond

import "refwallet/observability"

// Metrics exposes Prometheus collectors for commissiond instrumentation.
type Metrics = observability.CommissiondMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Commissiond() }
