package reentry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// Config holds configuration for the re-entry scheduler.
type Config struct {
	Logger ports.Logger

	// MaxAttempts bounds how many times one intent may trigger.
	MaxAttempts int
	// MomentumThreshold is the |momentum| beyond which a favourable flip
	// triggers an intent even before the target price is reached.
	MomentumThreshold float64
	// ConfidenceBoost scales the original confidence on trigger; a stop-out
	// that recovers to a better price is a stronger entry than the original.
	ConfidenceBoost float64
	// ConfidenceCap bounds the boosted confidence.
	ConfidenceCap float64

	Now func() time.Time
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       2,
		MomentumThreshold: 0.6,
		ConfidenceBoost:   1.15,
		ConfidenceCap:     0.95,
	}
}

// Trigger is a fired intent handed back to admission control as a normal
// entry request.
type Trigger struct {
	Intent     domain.ReEntryIntent
	Price      float64
	Confidence float64 // boosted over the original
	Cause      string  // "price" or "momentum"
}

// Scheduler converts forced stop-outs into time-boxed, price-triggered
// re-entry intents. One live intent per symbol; a newer stop-out replaces an
// older intent. All methods are called from the orchestrator's tick goroutine.
type Scheduler struct {
	cfg     Config
	logger  ports.Logger
	intents map[string]*domain.ReEntryIntent
	now     func() time.Time
}

// New creates a re-entry scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for re-entry scheduler")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MomentumThreshold <= 0 {
		cfg.MomentumThreshold = DefaultConfig().MomentumThreshold
	}
	if cfg.ConfidenceBoost <= 1 {
		cfg.ConfidenceBoost = DefaultConfig().ConfidenceBoost
	}
	if cfg.ConfidenceCap <= 0 || cfg.ConfidenceCap > 1 {
		cfg.ConfidenceCap = DefaultConfig().ConfidenceCap
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger,
		intents: make(map[string]*domain.ReEntryIntent),
		now:     now,
	}, nil
}

// QueueReEntry registers an intent after a forced stop-out. The target entry
// sits 1.5-3 ATR beyond the stop in the adverse direction (a strictly better
// price), and the expiry window stretches 2-8 hours with volatility.
func (s *Scheduler) QueueReEntry(symbol string, direction domain.OrderSide, stopPrice, atr float64, confidence float64, thesis, agentID string) *domain.ReEntryIntent {
	if stopPrice <= 0 || atr <= 0 {
		return nil
	}

	atrPct := atr / stopPrice * 100
	multiplier := 1.5 + math.Min(atrPct, 1.5)
	target := stopPrice - atr*multiplier
	if direction == domain.Sell {
		target = stopPrice + atr*multiplier
	}

	expiryHours := 2 + math.Min(atrPct*2, 6)
	created := s.now()

	intent := &domain.ReEntryIntent{
		Symbol:            symbol,
		Direction:         direction,
		OriginalStopPrice: stopPrice,
		TargetEntryPrice:  target,
		Confidence:        confidence,
		CreatedAt:         created,
		Expiry:            created.Add(time.Duration(expiryHours * float64(time.Hour))),
		OriginalThesis:    thesis,
		ATRAtStop:         atr,
		MaxAttempts:       s.cfg.MaxAttempts,
		OwningAgentID:     agentID,
	}
	s.intents[symbol] = intent // newer stop-out replaces any older intent

	s.logger.Info(context.Background(), "Re-entry intent queued", map[string]interface{}{
		"symbol": symbol, "direction": direction,
		"stop": stopPrice, "target": target, "expiry": intent.Expiry,
	})
	return intent
}

// CheckTriggers sweeps the queue against the latest prices and momentum
// scores. Expired and exhausted intents are dropped; triggered intents
// increment their attempt count and are returned for admission, confidence
// boosted over the original.
func (s *Scheduler) CheckTriggers(prices map[string]float64, momentum map[string]float64) []Trigger {
	now := s.now()
	var fired []Trigger

	symbols := make([]string, 0, len(s.intents))
	for symbol := range s.intents {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		intent := s.intents[symbol]
		if intent.Expired(now) || intent.Exhausted() {
			delete(s.intents, symbol)
			continue
		}

		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}

		cause := ""
		if intent.Direction == domain.Buy && price <= intent.TargetEntryPrice {
			cause = "price"
		} else if intent.Direction == domain.Sell && price >= intent.TargetEntryPrice {
			cause = "price"
		} else if m, ok := momentum[symbol]; ok && s.momentumFavours(intent.Direction, m) {
			cause = "momentum"
		}
		if cause == "" {
			continue
		}

		intent.Attempts++
		boosted := math.Min(intent.Confidence*s.cfg.ConfidenceBoost, s.cfg.ConfidenceCap)
		fired = append(fired, Trigger{Intent: *intent, Price: price, Confidence: boosted, Cause: cause})

		if intent.Exhausted() {
			delete(s.intents, symbol)
		}
	}
	return fired
}

func (s *Scheduler) momentumFavours(direction domain.OrderSide, momentum float64) bool {
	if direction == domain.Buy {
		return momentum > s.cfg.MomentumThreshold
	}
	return momentum < -s.cfg.MomentumThreshold
}

// Remove drops the intent for a symbol, e.g. after a successful re-entry.
func (s *Scheduler) Remove(symbol string) {
	delete(s.intents, symbol)
}

// Pending returns a copy of the live intents, sorted by symbol.
func (s *Scheduler) Pending() []domain.ReEntryIntent {
	out := make([]domain.ReEntryIntent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, *intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
