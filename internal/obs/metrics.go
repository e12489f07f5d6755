package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the core's Prometheus instruments. All fields are safe for
// concurrent use; a nil *Metrics disables instrumentation at every call site.
type Metrics struct {
	registry *prometheus.Registry

	VotesTotal          *prometheus.CounterVec
	SignalsTotal        *prometheus.CounterVec
	AdmissionsTotal     *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
	ReEntryTriggers     *prometheus.CounterVec
	ArbitrageFound      *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	TotalExposure prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	TickDuration  prometheus.Histogram
}

// NewMetrics creates and registers the instrument set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(opts, labels)
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry: registry,
		VotesTotal: factory(prometheus.CounterOpts{
			Name: "quorumbot_votes_total",
			Help: "Consensus votes conducted, by symbol and winning kind.",
		}, []string{"symbol", "kind"}),
		SignalsTotal: factory(prometheus.CounterOpts{
			Name: "quorumbot_signals_total",
			Help: "Agent signals accepted into the pending buffer, by agent.",
		}, []string{"agent"}),
		AdmissionsTotal: factory(prometheus.CounterOpts{
			Name: "quorumbot_admissions_total",
			Help: "Admission decisions, by gate ('admitted' when allowed).",
		}, []string{"gate"}),
		BreakerTransitions: factory(prometheus.CounterOpts{
			Name: "quorumbot_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by breaker and new state.",
		}, []string{"breaker", "state"}),
		ReEntryTriggers: factory(prometheus.CounterOpts{
			Name: "quorumbot_reentry_triggers_total",
			Help: "Re-entry intents fired, by trigger cause.",
		}, []string{"cause"}),
		ArbitrageFound: factory(prometheus.CounterOpts{
			Name: "quorumbot_arbitrage_opportunities_total",
			Help: "Arbitrage opportunities detected, by scan kind.",
		}, []string{"kind"}),
	}

	m.OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quorumbot_open_positions",
		Help: "Number of open positions in the ledger.",
	})
	m.TotalExposure = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quorumbot_total_exposure",
		Help: "Sum of open position notionals in quote currency.",
	})
	m.RealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quorumbot_realized_pnl",
		Help: "Cumulative realized PnL in quote currency since start.",
	})
	m.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quorumbot_tick_duration_seconds",
		Help:    "Wall time of one orchestrator tick.",
		Buckets: prometheus.DefBuckets,
	})
	registry.MustRegister(m.OpenPositions, m.TotalExposure, m.RealizedPnL, m.TickDuration)

	return m
}

// Registry exposes the private registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveVote records a conducted vote.
func (m *Metrics) ObserveVote(symbol, kind string) {
	if m == nil {
		return
	}
	m.VotesTotal.WithLabelValues(symbol, kind).Inc()
}

// ObserveSignal records an accepted agent signal.
func (m *Metrics) ObserveSignal(agentID string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(agentID).Inc()
}

// ObserveAdmission records an admission decision by its deciding gate.
func (m *Metrics) ObserveAdmission(gate string, allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		gate = "admitted"
	}
	m.AdmissionsTotal.WithLabelValues(gate).Inc()
}

// ObserveBreaker records a breaker state transition.
func (m *Metrics) ObserveBreaker(name, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(name, state).Inc()
}

// ObserveReEntry records a fired re-entry trigger.
func (m *Metrics) ObserveReEntry(cause string) {
	if m == nil {
		return
	}
	m.ReEntryTriggers.WithLabelValues(cause).Inc()
}

// ObserveArbitrage records a detected opportunity.
func (m *Metrics) ObserveArbitrage(kind string) {
	if m == nil {
		return
	}
	m.ArbitrageFound.WithLabelValues(kind).Inc()
}

// SetLedgerState updates the position gauges.
func (m *Metrics) SetLedgerState(open int, exposure float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(open))
	m.TotalExposure.Set(exposure)
}

// AddRealizedPnL accumulates closed-trade profit into the PnL gauge.
func (m *Metrics) AddRealizedPnL(pnl float64) {
	if m == nil {
		return
	}
	m.RealizedPnL.Add(pnl)
}

// ObserveTick records the duration of one orchestrator tick in seconds.
func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(seconds)
}
