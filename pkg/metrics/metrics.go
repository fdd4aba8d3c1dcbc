// Package metrics provides Prometheus metrics for the fusion and
// trading pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects and exposes pipeline metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Feed metrics
	UpdatesTotal   *prometheus.CounterVec
	UpdatesDropped *prometheus.CounterVec
	AdapterStatus  *prometheus.GaugeVec
	EventsActive   prometheus.Gauge
	EventsEvicted  prometheus.Counter

	// Speed race metrics
	GoalsFirst *prometheus.CounterVec
	RaceDelta  *prometheus.HistogramVec

	// Signal metrics
	SignalsTotal *prometheus.CounterVec
	SignalEdge   prometheus.Histogram

	// Trader metrics
	DecisionsTotal *prometheus.CounterVec
	PositionsOpen  prometheus.Gauge
	RealizedPnL    prometheus.Gauge
	HoldDuration   prometheus.Histogram

	// Stream metrics
	StreamClients prometheus.Gauge
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalfuse_feed_updates_total",
				Help: "Normalized updates accepted from each source",
			},
			[]string{"source"},
		),
		UpdatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalfuse_feed_updates_dropped_total",
				Help: "Updates dropped at the aggregator intake",
			},
			[]string{"source", "reason"},
		),
		AdapterStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goalfuse_adapter_up",
				Help: "1 when the adapter reports connected",
			},
			[]string{"source"},
		),
		EventsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goalfuse_events_active",
				Help: "Canonical events currently tracked",
			},
		),
		EventsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "goalfuse_events_evicted_total",
				Help: "Events evicted after end of life",
			},
		),
		GoalsFirst: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalfuse_goals_first_total",
				Help: "Score transitions this source reported first",
			},
			[]string{"source"},
		),
		RaceDelta: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goalfuse_race_delta_seconds",
				Help:    "Lag behind the fastest source for the same score transition",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"source"},
		),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalfuse_signals_total",
				Help: "Trade signals emitted",
			},
			[]string{"action", "urgency"},
		),
		SignalEdge: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goalfuse_signal_edge_points",
				Help:    "Probability-point divergence of emitted signals",
				Buckets: []float64{1, 2, 3, 4, 5, 7.5, 10, 15, 20, 30},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalfuse_trade_decisions_total",
				Help: "Goal trader decisions by outcome",
			},
			[]string{"decision"},
		),
		PositionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goalfuse_positions_open",
				Help: "Currently open positions",
			},
		),
		RealizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goalfuse_realized_pnl",
				Help: "Cumulative realized P&L across closed positions",
			},
		),
		HoldDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goalfuse_position_hold_seconds",
				Help:    "Held duration of closed positions",
				Buckets: prometheus.LinearBuckets(10, 20, 12),
			},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goalfuse_stream_clients",
				Help: "Connected snapshot stream clients",
			},
		),
	}

	registry.MustRegister(
		m.UpdatesTotal,
		m.UpdatesDropped,
		m.AdapterStatus,
		m.EventsActive,
		m.EventsEvicted,
		m.GoalsFirst,
		m.RaceDelta,
		m.SignalsTotal,
		m.SignalEdge,
		m.DecisionsTotal,
		m.PositionsOpen,
		m.RealizedPnL,
		m.HoldDuration,
		m.StreamClients,
	)

	return m
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
