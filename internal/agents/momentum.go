package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"quorumbot/internal/domain"
)

// MomentumConfig holds configuration for the momentum agent.
type MomentumConfig struct {
	ID         string
	FastPeriod int     // short SMA lookback
	SlowPeriod int     // long SMA lookback
	EntryScore float64 // |momentum| required to propose an entry
	ExitScore  float64 // |momentum| against the trend that proposes an exit
}

// MomentumAgent proposes entries in the direction of the prevailing trend and
// exits when the trend decays. It is stateless between evaluations.
type MomentumAgent struct {
	cfg MomentumConfig
}

// NewMomentumAgent creates a momentum agent.
func NewMomentumAgent(cfg MomentumConfig) (*MomentumAgent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 7
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 3
	}
	if cfg.EntryScore <= 0 {
		cfg.EntryScore = 0.3
	}
	if cfg.ExitScore <= 0 {
		cfg.ExitScore = 0.5
	}
	return &MomentumAgent{cfg: cfg}, nil
}

func (a *MomentumAgent) ID() string             { return a.cfg.ID }
func (a *MomentumAgent) Kind() domain.AgentKind { return domain.AgentKindMomentum }

// Evaluate proposes ENTRY_LONG/ENTRY_SHORT when the fast average leads the
// slow one and the momentum score confirms, and EXIT when momentum has turned
// hard against the fast side. A nil signal means no opinion.
func (a *MomentumAgent) Evaluate(ctx context.Context, symbol string, snapshot *domain.MarketSnapshot, history []*domain.Trade) (*domain.AgentSignal, error) {
	if snapshot == nil || len(snapshot.Klines) < a.cfg.SlowPeriod {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fast := sma(snapshot.Klines, a.cfg.FastPeriod)
	slow := sma(snapshot.Klines, a.cfg.SlowPeriod)
	if slow <= 0 {
		return nil, nil
	}
	separation := (fast - slow) / slow
	momentum := snapshot.Momentum

	var kind domain.SignalKind
	switch {
	case separation > 0 && momentum >= a.cfg.EntryScore:
		kind = domain.SignalEntryLong
	case separation < 0 && momentum <= -a.cfg.EntryScore:
		kind = domain.SignalEntryShort
	case separation > 0 && momentum <= -a.cfg.ExitScore:
		kind = domain.SignalExitLong
	case separation < 0 && momentum >= a.cfg.ExitScore:
		kind = domain.SignalExitShort
	default:
		return nil, nil
	}

	confidence := clamp01(math.Abs(momentum))
	strength := clamp01(math.Abs(separation) * 50) // 2% separation saturates
	return &domain.AgentSignal{
		AgentID:    a.cfg.ID,
		Kind:       kind,
		Symbol:     symbol,
		Confidence: confidence,
		Strength:   strength,
		Timestamp:  time.Now(),
		Reasoning:  fmt.Sprintf("fast/slow separation %.4f, momentum %.2f", separation, momentum),
	}, nil
}

func sma(klines []*domain.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for _, k := range klines[len(klines)-period:] {
		sum += k.Close
	}
	return sum / float64(period)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
