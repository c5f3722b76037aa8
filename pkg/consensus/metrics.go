package consensus

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes consensus progress to the metrics endpoint.
type Metrics struct {
	RoundsFinalized prometheus.Counter
	RoundsTimedOut  prometheus.Counter
	TxsConfirmed    prometheus.Counter
	ChainHeight     prometheus.Gauge
}

// NewMetrics registers the consensus collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoundsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ippan", Subsystem: "consensus", Name: "rounds_finalized_total",
			Help: "Rounds that produced a finalized block.",
		}),
		RoundsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ippan", Subsystem: "consensus", Name: "rounds_timed_out_total",
			Help: "Rounds abandoned before finalization.",
		}),
		TxsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ippan", Subsystem: "consensus", Name: "txs_confirmed_total",
			Help: "Transactions included in finalized blocks.",
		}),
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ippan", Subsystem: "consensus", Name: "chain_height",
			Help: "Latest finalized block height.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RoundsFinalized, m.RoundsTimedOut, m.TxsConfirmed, m.ChainHeight)
	}
	return m
}
