// Package metrics exposes agreement transitions and ledger volume as
// Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	transitions *prometheus.CounterVec
	transferred *prometheus.CounterVec
}

// NewCollector registers the counters on reg. A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentflow_transitions_total",
				Help: "Agreement operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		transferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentflow_transferred_minor_units_total",
				Help: "Value moved between accounts by committed operations",
			},
			[]string{"currency"},
		),
	}
	reg.MustRegister(c.transitions, c.transferred)
	return c
}

func (c *Collector) ObserveTransition(operation, outcome string) {
	c.transitions.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) ObserveTransfer(currency string, amount int64) {
	if amount <= 0 {
		return
	}
	c.transferred.WithLabelValues(currency).Add(float64(amount))
}
