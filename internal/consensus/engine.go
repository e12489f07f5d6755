package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// registeredAgent is the engine's bookkeeping for one signal producer.
type registeredAgent struct {
	id     string
	kind   domain.AgentKind
	style  string
	weight float64
	stats  PerformanceStats
}

// Config holds configuration for the consensus engine.
type Config struct {
	Logger ports.Logger
	// Policy adjusts agent weights from realized outcomes. Defaults to EMAWinRate.
	Policy WeightPolicy
	// PreferEntryOnTie breaks winning-kind ties in favour of entry kinds.
	PreferEntryOnTie bool
}

// Engine buffers per-symbol agent signals and aggregates them into a single
// weighted consensus decision per vote. Submissions may arrive concurrently
// from many producers; votes drain the buffer atomically so no signal is
// counted twice or lost.
type Engine struct {
	mu      sync.Mutex
	logger  ports.Logger
	agents  map[string]*registeredAgent
	pending map[string][]*domain.AgentSignal
	policy  WeightPolicy

	preferEntryOnTie bool
}

// NewEngine creates a consensus engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for consensus engine")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultEMAWinRate()
	}
	return &Engine{
		logger:           cfg.Logger,
		agents:           make(map[string]*registeredAgent),
		pending:          make(map[string][]*domain.AgentSignal),
		policy:           policy,
		preferEntryOnTie: cfg.PreferEntryOnTie,
	}, nil
}

// RegisterAgent adds an agent with the neutral weight 1.0. Re-registering an
// existing agent keeps its accumulated weight and stats.
func (e *Engine) RegisterAgent(id string, kind domain.AgentKind, style string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[id]; ok {
		return
	}
	e.agents[id] = &registeredAgent{id: id, kind: kind, style: style, weight: 1.0}
}

// SubmitSignal appends a signal to the symbol's pending buffer. It has no
// side effects beyond buffering and is safe to call from concurrent producers.
func (e *Engine) SubmitSignal(sig *domain.AgentSignal) error {
	if sig == nil {
		return fmt.Errorf("nil signal: %w", ports.ErrInvalidRequest)
	}
	if sig.Symbol == "" || sig.AgentID == "" {
		return fmt.Errorf("signal missing symbol or agent id: %w", ports.ErrInvalidRequest)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 || sig.Strength < 0 || sig.Strength > 1 {
		return fmt.Errorf("signal confidence/strength out of [0,1]: %w", ports.ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[sig.AgentID]; !ok {
		return fmt.Errorf("agent %q not registered: %w", sig.AgentID, ports.ErrInvalidRequest)
	}
	e.pending[sig.Symbol] = append(e.pending[sig.Symbol], sig)
	return nil
}

// PendingSymbols returns the symbols that currently have buffered signals,
// sorted for deterministic iteration.
func (e *Engine) PendingSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.pending))
	for symbol, sigs := range e.pending {
		if len(sigs) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// ConductVote atomically drains the symbol's buffer and aggregates the
// signals into one decision. ok is false when there is nothing to decide:
// an empty buffer or zero effective score on both sides.
func (e *Engine) ConductVote(symbol string) (*domain.ConsensusResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	signals := e.pending[symbol]
	delete(e.pending, symbol)
	if len(signals) == 0 {
		return nil, false
	}

	sideScore := map[domain.OrderSide]float64{}
	kindScore := map[domain.SignalKind]float64{}
	kindFirstAgent := map[domain.SignalKind]string{}
	votes := make(map[string]domain.SignalKind, len(signals))
	voters := map[string]struct{}{}

	var winConfWeighted, winWeight float64
	for _, sig := range signals {
		agent, ok := e.agents[sig.AgentID]
		if !ok {
			continue
		}
		score := agent.weight * sig.Confidence * sig.Strength
		sideScore[sig.Kind.Side()] += score
		kindScore[sig.Kind] += score
		if first, ok := kindFirstAgent[sig.Kind]; !ok || sig.AgentID < first {
			kindFirstAgent[sig.Kind] = sig.AgentID
		}
		votes[sig.AgentID] = sig.Kind
		voters[sig.AgentID] = struct{}{}
	}

	total := sideScore[domain.Buy] + sideScore[domain.Sell]
	if total == 0 {
		return nil, false
	}

	winningSide := domain.Buy
	if sideScore[domain.Sell] > sideScore[domain.Buy] {
		winningSide = domain.Sell
	}

	// Confidence is weight-averaged over the winning side only.
	for _, sig := range signals {
		agent, ok := e.agents[sig.AgentID]
		if !ok || sig.Kind.Side() != winningSide {
			continue
		}
		winConfWeighted += sig.Confidence * agent.weight
		winWeight += agent.weight
	}
	confidence := 0.0
	if winWeight > 0 {
		confidence = winConfWeighted / winWeight
	}

	winningKind := e.pickWinningKind(kindScore, kindFirstAgent, winningSide)

	participation := 0.0
	if len(e.agents) > 0 {
		participation = float64(len(voters)) / float64(len(e.agents))
	}

	result := &domain.ConsensusResult{
		Symbol:              symbol,
		WinningKind:         winningKind,
		ConsensusConfidence: confidence,
		AgreementLevel:      sideScore[winningSide] / total,
		ParticipationRate:   participation,
		AgentVotes:          votes,
		Reasoning: fmt.Sprintf("%s wins %.4f vs %.4f across %d signals from %d agents",
			winningSide, sideScore[winningSide], total-sideScore[winningSide], len(signals), len(voters)),
	}
	return result, true
}

// pickWinningKind selects the kind with the highest cumulative score inside
// the winning side. Ties prefer entry kinds (when configured), then the kind
// backed by the lexicographically smallest agent id, keeping votes reproducible.
func (e *Engine) pickWinningKind(kindScore map[domain.SignalKind]float64, kindFirstAgent map[domain.SignalKind]string, side domain.OrderSide) domain.SignalKind {
	kinds := make([]domain.SignalKind, 0, len(kindScore))
	for kind := range kindScore {
		if kind.Side() == side {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		a, b := kinds[i], kinds[j]
		if kindScore[a] != kindScore[b] {
			return kindScore[a] > kindScore[b]
		}
		if e.preferEntryOnTie && a.IsEntry() != b.IsEntry() {
			return a.IsEntry()
		}
		return kindFirstAgent[a] < kindFirstAgent[b]
	})
	return kinds[0]
}

// UpdateFeedback folds a realized outcome into the owning agent's stats and
// re-derives its voting weight through the policy.
func (e *Engine) UpdateFeedback(agentID string, realizedPnL float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, ok := e.agents[agentID]
	if !ok {
		return
	}
	agent.stats = e.policy.Observe(agent.stats, realizedPnL)
	old := agent.weight
	agent.weight = e.policy.Weight(agent.stats)
	e.logger.Debug(context.Background(), "Agent weight updated", map[string]interface{}{
		"agentID": agentID,
		"old":     old,
		"new":     agent.weight,
		"pnl":     realizedPnL,
	})
}

// Weight returns the current voting weight for an agent (1.0 if unknown).
func (e *Engine) Weight(agentID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if agent, ok := e.agents[agentID]; ok {
		return agent.weight
	}
	return 1.0
}

// SetWeight overrides an agent's weight directly. Used by tests and by the
// status surface's manual adjustment path.
func (e *Engine) SetWeight(agentID string, weight float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if agent, ok := e.agents[agentID]; ok && weight >= 0 {
		agent.weight = weight
	}
}

// Weights returns a copy of the current agent weights.
func (e *Engine) Weights() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.agents))
	for id, agent := range e.agents {
		out[id] = agent.weight
	}
	return out
}

// RegisteredAgents returns the number of registered agents.
func (e *Engine) RegisteredAgents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.agents)
}
