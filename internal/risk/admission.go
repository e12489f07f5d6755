package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// Named breaker resources used by the orchestrator.
const (
	BreakerExchange   = "exchange"
	BreakerMarketData = "marketdata"
)

// AdmissionConfig holds configuration for the admission controller.
type AdmissionConfig struct {
	Logger ports.Logger

	MaxConcurrentPositions int     // hard cap on simultaneously open positions
	MaxTotalExposure       float64 // fraction of balance, e.g. 0.60
	MaxPositionSize        float64 // per-position notional cap as fraction of balance
	MaxDailyLossPct        float64 // per-agent daily loss limit as fraction of margin allocation

	Breaker BreakerConfig // thresholds applied to every named breaker

	// Now is the clock, replaceable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Request is a capital-committing proposal entering admission control.
type Request struct {
	Symbol   string
	AgentID  string // empty for arbitrage/scanner requests
	Side     domain.OrderSide
	Notional float64 // requested notional in quote currency
	Origin   string  // "consensus", "reentry", "arbitrage"
}

// PortfolioState is the account view the gates are evaluated against.
type PortfolioState struct {
	Balance       float64
	OpenPositions int
	TotalExposure float64 // sum of absolute open notionals
}

// Decision is the outcome of admission control. A rejection is a normal
// "no action" outcome, not an error; Gate names the check that rejected.
type Decision struct {
	Allowed  bool
	Gate     string
	Reason   string
	Notional float64 // admitted notional, possibly capped below the request
}

// Gate names reported in decisions.
const (
	GatePaused        = "trading_paused"
	GateAgentBreached = "agent_daily_loss"
	GatePositionCount = "position_count"
	GateExposure      = "total_exposure"
	GateNotionalCap   = "position_size_cap"
)

// MarginLevel classifies the liquidation-guard assessment.
type MarginLevel int

const (
	MarginNormal MarginLevel = iota
	MarginWarning
	MarginCritical
)

const (
	marginWarningRatio  = 0.6
	marginCriticalRatio = 0.8
)

type agentDaily struct {
	day      string
	pnl      float64
	breached bool
}

// Controller gates every capital-committing action: per-resource circuit
// breakers, per-agent daily-loss breakers, portfolio exposure gates and the
// margin-ratio liquidation guard. It is owned by the orchestrator; the
// breaker registry is safe for concurrent use, the gate evaluation is called
// from the tick goroutine only.
type Controller struct {
	cfg    AdmissionConfig
	logger ports.Logger
	now    func() time.Time

	mu          sync.Mutex
	breakers    map[string]*CircuitBreaker
	agentDailys map[string]*agentDaily
	paused      bool
	pauseReason string

	breakerHook func(name string, from, to BreakerState)
}

// NewController creates an admission controller.
func NewController(cfg AdmissionConfig) (*Controller, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for admission controller")
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return nil, fmt.Errorf("MaxConcurrentPositions must be positive")
	}
	if cfg.MaxTotalExposure <= 0 || cfg.MaxPositionSize <= 0 {
		return nil, fmt.Errorf("exposure limits must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:         cfg,
		logger:      cfg.Logger,
		now:         now,
		breakers:    make(map[string]*CircuitBreaker),
		agentDailys: make(map[string]*agentDaily),
	}, nil
}

// SetBreakerHook registers an observer applied to every breaker, existing and
// future. Used to wire metrics and notifications.
func (c *Controller) SetBreakerHook(hook func(name string, from, to BreakerState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerHook = hook
	for _, b := range c.breakers {
		b.SetTransitionHook(hook)
	}
}

// Breaker returns the named circuit breaker, creating it on first use.
func (c *Controller) Breaker(name string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[name]
	if !ok {
		b = NewCircuitBreaker(name, c.cfg.Breaker, c.logger)
		if c.breakerHook != nil {
			b.SetTransitionHook(c.breakerHook)
		}
		c.breakers[name] = b
	}
	return b
}

// Call executes fn through the named breaker.
func (c *Controller) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.Breaker(name).Call(ctx, fn)
}

// BreakerStates returns a snapshot of all breaker states for the status surface.
func (c *Controller) BreakerStates() map[string]BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]BreakerState, len(c.breakers))
	for name, b := range c.breakers {
		out[name] = b.State()
	}
	return out
}

// PauseTrading stops all new admissions until ResumeTrading.
func (c *Controller) PauseTrading(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.pauseReason = reason
	c.logger.Warn(context.Background(), "Trading paused", map[string]interface{}{"reason": reason})
}

// ResumeTrading lifts a global pause.
func (c *Controller) ResumeTrading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.pauseReason = ""
	c.logger.Info(context.Background(), "Trading resumed")
}

// Paused reports the global pause state.
func (c *Controller) Paused() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.pauseReason
}

// RecordAgentPnL folds a realized outcome into the agent's daily ledger.
// marginAllocation is the capital slice the agent trades against; once the
// day's losses exceed MaxDailyLossPct of it, the agent is excluded from
// admission until the local day rolls over or ResetDaily is called.
func (c *Controller) RecordAgentPnL(agentID string, pnl, marginAllocation float64) {
	if agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	day := c.now().Format("2006-01-02")
	entry, ok := c.agentDailys[agentID]
	if !ok || entry.day != day {
		entry = &agentDaily{day: day}
		c.agentDailys[agentID] = entry
	}
	entry.pnl += pnl

	limit := marginAllocation * c.cfg.MaxDailyLossPct
	if !entry.breached && limit > 0 && entry.pnl < -limit {
		entry.breached = true
		c.logger.Warn(context.Background(), "Agent daily loss limit breached", map[string]interface{}{
			"agentID":  agentID,
			"dailyPnL": entry.pnl,
			"limit":    -limit,
		})
	}
}

// AgentBreached reports whether the agent is excluded by its daily-loss breaker.
func (c *Controller) AgentBreached(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.agentDailys[agentID]
	if !ok {
		return false
	}
	if entry.day != c.now().Format("2006-01-02") {
		return false // stale entry, day rolled over
	}
	return entry.breached
}

// ResetDaily clears all per-agent daily ledgers (manual or scheduled reset).
func (c *Controller) ResetDaily() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentDailys = make(map[string]*agentDaily)
	c.logger.Info(context.Background(), "Per-agent daily loss ledgers reset")
}

// DailyPnL returns the agent's tracked PnL for the current local day.
func (c *Controller) DailyPnL(agentID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.agentDailys[agentID]
	if !ok || entry.day != c.now().Format("2006-01-02") {
		return 0
	}
	return entry.pnl
}

// CheckAdmission evaluates the portfolio gates in order for a new
// (non-closing) request. The notional-cap gate caps the requested notional
// rather than rejecting outright.
func (c *Controller) CheckAdmission(req Request, portfolio PortfolioState) Decision {
	if paused, reason := c.Paused(); paused {
		return Decision{Gate: GatePaused, Reason: reason}
	}
	if req.AgentID != "" && c.AgentBreached(req.AgentID) {
		return Decision{Gate: GateAgentBreached, Reason: fmt.Sprintf("agent %s daily loss limit hit", req.AgentID)}
	}
	if portfolio.OpenPositions >= c.cfg.MaxConcurrentPositions {
		return Decision{
			Gate:   GatePositionCount,
			Reason: fmt.Sprintf("%d/%d positions open", portfolio.OpenPositions, c.cfg.MaxConcurrentPositions),
		}
	}

	notional := req.Notional
	gate := ""
	if maxNotional := portfolio.Balance * c.cfg.MaxPositionSize; notional > maxNotional {
		notional = maxNotional
		gate = GateNotionalCap
	}

	if portfolio.Balance <= 0 ||
		(portfolio.TotalExposure+notional)/portfolio.Balance >= c.cfg.MaxTotalExposure {
		return Decision{
			Gate: GateExposure,
			Reason: fmt.Sprintf("exposure %.2f + %.2f against balance %.2f exceeds %.0f%%",
				portfolio.TotalExposure, notional, portfolio.Balance, c.cfg.MaxTotalExposure*100),
		}
	}

	return Decision{Allowed: true, Gate: gate, Notional: notional}
}

// AssessMargin classifies the account's margin ratio. Warning and Critical
// levels drive the liquidation guard; Critical force-closes bypass all other
// admission checks.
func (c *Controller) AssessMargin(maintenanceMargin, marginBalance float64) MarginLevel {
	if marginBalance <= 0 {
		if maintenanceMargin > 0 {
			return MarginCritical
		}
		return MarginNormal
	}
	ratio := maintenanceMargin / marginBalance
	switch {
	case ratio >= marginCriticalRatio:
		return MarginCritical
	case ratio >= marginWarningRatio:
		return MarginWarning
	default:
		return MarginNormal
	}
}

// ForceCloseCandidates orders open positions largest-notional first, the
// order the liquidation guard closes them in until the margin ratio recovers.
func ForceCloseCandidates(positions map[string]*domain.Position) []*domain.Position {
	out := make([]*domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Notional() != out[j].Notional() {
			return out[i].Notional() > out[j].Notional()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
