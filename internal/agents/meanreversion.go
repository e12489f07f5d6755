package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"quorumbot/internal/domain"
)

// MeanReversionConfig holds configuration for the mean-reversion agent.
type MeanReversionConfig struct {
	ID        string
	Period    int     // SMA/stddev lookback
	EntryZ    float64 // |z-score| beyond which price is stretched
	ExitZ     float64 // |z-score| below which a stretch has closed
	MaxSpread float64 // skip evaluation when the last bar range exceeds this fraction of price
}

// MeanReversionAgent fades stretched moves: it buys when price sits far below
// its rolling mean and sells when far above, standing aside in violent bars.
type MeanReversionAgent struct {
	cfg MeanReversionConfig
}

// NewMeanReversionAgent creates a mean-reversion agent.
func NewMeanReversionAgent(cfg MeanReversionConfig) (*MeanReversionAgent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Period <= 1 {
		cfg.Period = 20
	}
	if cfg.EntryZ <= 0 {
		cfg.EntryZ = 2.0
	}
	if cfg.ExitZ <= 0 {
		cfg.ExitZ = 0.5
	}
	if cfg.MaxSpread <= 0 {
		cfg.MaxSpread = 0.05
	}
	return &MeanReversionAgent{cfg: cfg}, nil
}

func (a *MeanReversionAgent) ID() string             { return a.cfg.ID }
func (a *MeanReversionAgent) Kind() domain.AgentKind { return domain.AgentKindMeanReversion }

// Evaluate proposes a fade when the close sits more than EntryZ standard
// deviations from the rolling mean, and an exit once the stretch has mostly
// closed. Bars wider than MaxSpread are treated as news and skipped.
func (a *MeanReversionAgent) Evaluate(ctx context.Context, symbol string, snapshot *domain.MarketSnapshot, history []*domain.Trade) (*domain.AgentSignal, error) {
	if snapshot == nil || len(snapshot.Klines) < a.cfg.Period {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	last := snapshot.Klines[len(snapshot.Klines)-1]
	if last.Close <= 0 || (last.High-last.Low)/last.Close > a.cfg.MaxSpread {
		return nil, nil
	}

	mean, std := meanStd(snapshot.Klines, a.cfg.Period)
	if std <= 0 {
		return nil, nil
	}
	z := (last.Close - mean) / std

	var kind domain.SignalKind
	switch {
	case z <= -a.cfg.EntryZ:
		kind = domain.SignalEntryLong
	case z >= a.cfg.EntryZ:
		kind = domain.SignalEntryShort
	case math.Abs(z) <= a.cfg.ExitZ:
		// Stretch closed: release whichever side a fade would have held.
		if snapshot.Momentum >= 0 {
			kind = domain.SignalExitShort
		} else {
			kind = domain.SignalExitLong
		}
	default:
		return nil, nil
	}

	confidence := clamp01(math.Abs(z) / (a.cfg.EntryZ * 2))
	if !kind.IsEntry() {
		confidence = clamp01(1 - math.Abs(z)/a.cfg.EntryZ)
	}
	return &domain.AgentSignal{
		AgentID:    a.cfg.ID,
		Kind:       kind,
		Symbol:     symbol,
		Confidence: confidence,
		Strength:   clamp01(math.Abs(z) / 4),
		Timestamp:  time.Now(),
		Reasoning:  fmt.Sprintf("z-score %.2f against %d-bar mean %.4f", z, a.cfg.Period, mean),
	}, nil
}

func meanStd(klines []*domain.Kline, period int) (float64, float64) {
	window := klines[len(klines)-period:]
	sum := 0.0
	for _, k := range window {
		sum += k.Close
	}
	mean := sum / float64(period)

	variance := 0.0
	for _, k := range window {
		d := k.Close - mean
		variance += d * d
	}
	variance /= float64(period)
	return mean, math.Sqrt(variance)
}
