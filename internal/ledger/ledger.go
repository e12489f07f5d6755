package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// Config holds configuration for the position ledger.
type Config struct {
	Logger    ports.Logger
	PosRepo   ports.PositionRepository
	TradeRepo ports.TradeRepository

	// Protective levels. Stop distance is ATRStopMult*ATR capped at
	// ATRStopCapPct of entry; target is ATRTakeMult*ATR capped at
	// ATRTakeCapPct. Without a usable ATR the fixed fallbacks apply.
	ATRStopMult     float64
	ATRStopCapPct   float64
	ATRTakeMult     float64
	ATRTakeCapPct   float64
	FallbackStopPct float64
	FallbackTakePct float64

	// Trailing thresholds.
	TrailArmPct         float64 // unrealized gain that moves the stop to breakeven
	TrailLockTriggerPct float64 // gain that locks in profit
	TrailLockPct        float64 // profit locked at the trigger above
	BreakevenBufferPct  float64

	// Scale-in rules.
	ScaleInConfidence float64 // minimum same-direction confidence
	ScaleInMaxMult    float64 // quantity ceiling as multiple of base quantity

	// Exit rules.
	EmergencyStopPct float64       // unrealized loss forcing an immediate close
	StaleAfter       time.Duration // age after which a flat position is cut
	StaleMovePct     float64       // |move| below which the position counts as flat
	FlipConfidence   float64       // opposite consensus confidence that closes first

	// PendingTimeout bounds how long an unconfirmed transition may stand
	// before reconciliation against the exchange snapshot.
	PendingTimeout time.Duration

	Now func() time.Time
}

// DefaultConfig returns the ledger parameters used in production.
func DefaultConfig() Config {
	return Config{
		ATRStopMult:         1.2,
		ATRStopCapPct:       0.03,
		ATRTakeMult:         2.5,
		ATRTakeCapPct:       0.08,
		FallbackStopPct:     0.02,
		FallbackTakePct:     0.05,
		TrailArmPct:         0.015,
		TrailLockTriggerPct: 0.03,
		TrailLockPct:        0.015,
		BreakevenBufferPct:  0.001,
		ScaleInConfidence:   0.85,
		ScaleInMaxMult:      3.0,
		EmergencyStopPct:    0.05,
		StaleAfter:          4 * time.Hour,
		StaleMovePct:        0.005,
		FlipConfidence:      0.75,
		PendingTimeout:      30 * time.Second,
	}
}

// Ledger owns the set of open positions, one per symbol, and drives each
// position's lifecycle: PendingOpen -> Open -> PendingClose -> Closed, with
// trailing-stop and scale-in mutations while Open. All methods are called
// from the orchestrator's tick goroutine; the ledger is not safe for
// concurrent use by design.
type Ledger struct {
	cfg    Config
	logger ports.Logger

	positions    map[string]*domain.Position
	pendingSince map[string]time.Time
	now          func() time.Time
}

// New creates a position ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for position ledger")
	}
	if cfg.PosRepo == nil || cfg.TradeRepo == nil {
		return nil, fmt.Errorf("repositories are required for position ledger")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		cfg:          cfg,
		logger:       cfg.Logger,
		positions:    make(map[string]*domain.Position),
		pendingSince: make(map[string]time.Time),
		now:          now,
	}, nil
}

// Restore loads unfinished positions from the repository after a restart.
// The caller must follow up with Reconcile before trading resumes.
func (l *Ledger) Restore(ctx context.Context) error {
	open, err := l.cfg.PosRepo.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore open positions: %w", err)
	}
	for symbol, pos := range open {
		l.positions[symbol] = pos
		if pos.Status == domain.StatusPendingOpen || pos.Status == domain.StatusPendingClose {
			l.pendingSince[symbol] = l.now()
		}
	}
	l.logger.Info(ctx, "Position ledger restored", map[string]interface{}{"positions": len(open)})
	return nil
}

// Position returns the tracked position for a symbol, if any.
func (l *Ledger) Position(symbol string) (*domain.Position, bool) {
	p, ok := l.positions[symbol]
	return p, ok
}

// HasPosition reports whether any lifecycle state exists for the symbol.
// This backs the no-hedging invariant: a new entry is refused while true.
func (l *Ledger) HasPosition(symbol string) bool {
	_, ok := l.positions[symbol]
	return ok
}

// OpenPositions returns the tracked positions, sorted by symbol.
func (l *Ledger) OpenPositions() []*domain.Position {
	out := make([]*domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount returns the number of positions currently carrying exposure.
func (l *Ledger) OpenCount() int {
	n := 0
	for _, p := range l.positions {
		if p.Status != domain.StatusClosed {
			n++
		}
	}
	return n
}

// TotalExposure sums absolute notionals across tracked positions.
func (l *Ledger) TotalExposure() float64 {
	total := 0.0
	for _, p := range l.positions {
		if p.Status != domain.StatusClosed {
			total += p.Notional()
		}
	}
	return total
}

// ProtectiveLevels derives the stop and target for an entry from the ATR.
// Stop: entry -/+ min(ATRStopMult*ATR, ATRStopCapPct*entry).
// Target: entry +/- min(ATRTakeMult*ATR, ATRTakeCapPct*entry).
func (l *Ledger) ProtectiveLevels(side domain.OrderSide, entry, atr float64) (stop, target float64) {
	stopDist := entry * l.cfg.FallbackStopPct
	takeDist := entry * l.cfg.FallbackTakePct
	if atr > 0 {
		stopDist = math.Min(l.cfg.ATRStopMult*atr, entry*l.cfg.ATRStopCapPct)
		takeDist = math.Min(l.cfg.ATRTakeMult*atr, entry*l.cfg.ATRTakeCapPct)
	}
	if side == domain.Buy {
		return entry - stopDist, entry + takeDist
	}
	return entry + stopDist, entry - takeDist
}

// BeginOpen registers an admitted entry whose order has been submitted.
// It enforces the one-position-per-symbol invariant.
func (l *Ledger) BeginOpen(ctx context.Context, pos *domain.Position) error {
	if l.HasPosition(pos.Symbol) {
		return fmt.Errorf("symbol %s: %w", pos.Symbol, ports.ErrPositionExists)
	}
	pos.Status = domain.StatusPendingOpen
	pos.EntryTime = l.now()
	id, err := l.cfg.PosRepo.Create(ctx, pos)
	if err != nil {
		return fmt.Errorf("failed to persist pending position for %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	l.positions[pos.Symbol] = pos
	l.pendingSince[pos.Symbol] = l.now()
	return nil
}

// ConfirmOpen promotes a pending entry on a confirmed fill, deriving the
// protective levels from the fill price and the ATR snapshot.
func (l *Ledger) ConfirmOpen(ctx context.Context, symbol string, fillPrice, filledQty, atr float64) error {
	pos, ok := l.positions[symbol]
	if !ok || pos.Status != domain.StatusPendingOpen {
		return fmt.Errorf("no pending open for %s: %w", symbol, ports.ErrNoOpenPosition)
	}
	pos.EntryPrice = fillPrice
	if filledQty > 0 {
		pos.Quantity = filledQty
		if pos.BaseQuantity == 0 {
			pos.BaseQuantity = filledQty
		}
	}
	pos.CurrentPrice = fillPrice
	pos.ATRAtEntry = atr
	pos.StopLoss, pos.TakeProfit = l.ProtectiveLevels(pos.Side, fillPrice, atr)
	pos.Status = domain.StatusOpen
	delete(l.pendingSince, symbol)

	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist opened position for %s: %w", symbol, err)
	}
	l.logger.Info(ctx, "Position opened", map[string]interface{}{
		"symbol": symbol, "side": pos.Side, "entry": fillPrice,
		"qty": pos.Quantity, "stop": pos.StopLoss, "target": pos.TakeProfit,
	})
	return nil
}

// DiscardPending drops a pending entry whose order never filled.
func (l *Ledger) DiscardPending(ctx context.Context, symbol string) {
	pos, ok := l.positions[symbol]
	if !ok || pos.Status != domain.StatusPendingOpen {
		return
	}
	pos.Status = domain.StatusClosed
	pos.CloseReason = domain.CloseReasonReconcile
	pos.ExitTime = l.now()
	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		l.logger.Error(ctx, err, "Failed to persist discarded pending position", map[string]interface{}{"symbol": symbol})
	}
	delete(l.positions, symbol)
	delete(l.pendingSince, symbol)
}

// MarkPrice records the latest observed price for an open position.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	if pos, ok := l.positions[symbol]; ok && price > 0 {
		pos.CurrentPrice = price
	}
}

// ApplyTrailing tightens the stop as unrealized profit grows: at TrailArmPct
// the stop moves to breakeven plus a buffer, at TrailLockTriggerPct it locks
// TrailLockPct of profit. Stops only ever tighten. Returns true when the stop
// moved.
func (l *Ledger) ApplyTrailing(ctx context.Context, symbol string, price float64) bool {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() {
		return false
	}
	gain := pos.UnrealizedPct(price)
	if gain < l.cfg.TrailArmPct {
		return false
	}

	lockPct := l.cfg.BreakevenBufferPct
	if gain >= l.cfg.TrailLockTriggerPct {
		lockPct = l.cfg.TrailLockPct
	}

	var newStop float64
	if pos.Side == domain.Buy {
		newStop = pos.EntryPrice * (1 + lockPct)
		if newStop <= pos.StopLoss {
			return false
		}
	} else {
		newStop = pos.EntryPrice * (1 - lockPct)
		if newStop >= pos.StopLoss {
			return false
		}
	}

	pos.StopLoss = newStop
	pos.TrailingArmed = true
	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		l.logger.Error(ctx, err, "Failed to persist trailing stop", map[string]interface{}{"symbol": symbol})
	}
	l.logger.Info(ctx, "Trailing stop adjusted", map[string]interface{}{
		"symbol": symbol, "stop": newStop, "unrealizedPct": gain,
	})
	return true
}

// CanScaleIn reports whether a same-direction signal may add to the position.
func (l *Ledger) CanScaleIn(symbol string, side domain.OrderSide, confidence float64) bool {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() || pos.Side != side {
		return false
	}
	if confidence < l.cfg.ScaleInConfidence {
		return false
	}
	if pos.BaseQuantity <= 0 {
		return false
	}
	return pos.Quantity+pos.BaseQuantity <= pos.BaseQuantity*l.cfg.ScaleInMaxMult+1e-12
}

// ScaleIn folds a confirmed add-on fill into the position, recomputing the
// volume-weighted entry and re-deriving the protective levels.
func (l *Ledger) ScaleIn(ctx context.Context, symbol string, qty, fillPrice float64) error {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() {
		return fmt.Errorf("scale-in without open position for %s: %w", symbol, ports.ErrNoOpenPosition)
	}
	pos.AddQuantity(qty, fillPrice)
	pos.StopLoss, pos.TakeProfit = l.ProtectiveLevels(pos.Side, pos.EntryPrice, pos.ATRAtEntry)
	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist scale-in for %s: %w", symbol, err)
	}
	l.logger.Info(ctx, "Scaled into position", map[string]interface{}{
		"symbol": symbol, "qty": pos.Quantity, "entry": pos.EntryPrice, "scaleIns": pos.ScaleIns,
	})
	return nil
}

// EvaluateExit checks the exit conditions for an open position in priority
// order: emergency stop, take profit, stop loss, staleness. Signal flips are
// evaluated separately because they need the consensus result.
func (l *Ledger) EvaluateExit(symbol string, price float64) (domain.CloseReason, bool) {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() || price <= 0 {
		return "", false
	}

	if pos.UnrealizedPct(price) <= -l.cfg.EmergencyStopPct {
		return domain.CloseReasonEmergencyStop, true
	}

	if pos.Side == domain.Buy {
		if price >= pos.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
		if price <= pos.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
	} else {
		if price <= pos.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
		if price >= pos.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
	}

	if l.now().Sub(pos.EntryTime) > l.cfg.StaleAfter &&
		math.Abs(pos.UnrealizedPct(price)) < l.cfg.StaleMovePct {
		return domain.CloseReasonStale, true
	}

	return "", false
}

// ShouldFlip reports whether an opposite-side consensus is strong enough to
// close the position first (no hedging: a flip always closes before any
// re-open is considered).
func (l *Ledger) ShouldFlip(symbol string, winning domain.SignalKind, confidence float64) bool {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() {
		return false
	}
	if !winning.IsEntry() || winning.Side() == pos.Side {
		return false
	}
	return confidence >= l.cfg.FlipConfidence
}

// BeginClose marks an open position as closing once its exit order has been
// submitted.
func (l *Ledger) BeginClose(ctx context.Context, symbol string, reason domain.CloseReason) error {
	pos, ok := l.positions[symbol]
	if !ok || !pos.IsOpen() {
		return fmt.Errorf("no open position to close for %s: %w", symbol, ports.ErrNoOpenPosition)
	}
	pos.Status = domain.StatusPendingClose
	pos.CloseReason = reason
	l.pendingSince[symbol] = l.now()
	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		l.logger.Error(ctx, err, "Failed to persist pending close", map[string]interface{}{"symbol": symbol})
	}
	return nil
}

// AbortClose reverts a close whose order could not be placed.
func (l *Ledger) AbortClose(ctx context.Context, symbol string) {
	pos, ok := l.positions[symbol]
	if !ok || pos.Status != domain.StatusPendingClose {
		return
	}
	pos.Status = domain.StatusOpen
	pos.CloseReason = ""
	delete(l.pendingSince, symbol)
	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		l.logger.Error(ctx, err, "Failed to persist aborted close", map[string]interface{}{"symbol": symbol})
	}
}

// ConfirmClose settles a closing fill: realized PnL is (exit-entry)*qty for
// BUY and the inverse for SELL. The position leaves the ledger and a trade
// record is written.
func (l *Ledger) ConfirmClose(ctx context.Context, symbol string, exitPrice float64) (*domain.Trade, error) {
	pos, ok := l.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no position to settle for %s: %w", symbol, ports.ErrNoOpenPosition)
	}

	pos.ExitPrice = exitPrice
	pos.ExitTime = l.now()
	pos.PNL = pos.RealizedPnL(exitPrice)
	pos.Status = domain.StatusClosed
	if pos.CloseReason == "" {
		pos.CloseReason = domain.CloseReasonManual
	}

	if err := l.cfg.PosRepo.Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist closed position for %s: %w", symbol, err)
	}

	trade := &domain.Trade{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      pos.Quantity,
		PNL:           pos.PNL,
		EntryTime:     pos.EntryTime,
		ExitTime:      pos.ExitTime,
		CloseReason:   pos.CloseReason,
		OwningAgentID: pos.OwningAgentID,
	}
	if _, err := l.cfg.TradeRepo.CreateTrade(ctx, trade); err != nil {
		// The position is already settled; a lost trade record is logged, not fatal.
		l.logger.Error(ctx, err, "Failed to persist trade record", map[string]interface{}{"symbol": symbol})
	}

	delete(l.positions, symbol)
	delete(l.pendingSince, symbol)
	l.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol": symbol, "exit": exitPrice, "pnl": pos.PNL, "reason": pos.CloseReason,
	})
	return trade, nil
}

// ReconcileAction describes one correction made against the exchange snapshot.
type ReconcileAction struct {
	Symbol string
	Action string // "promoted", "discarded", "settled", "adopted", "removed"
}

// Reconcile resolves state divergence by treating the exchange's position
// snapshot as authoritative. Pending transitions older than PendingTimeout
// are promoted or discarded; exchange positions unknown to the ledger are
// adopted; ledger positions the exchange no longer holds are settled at the
// last mark price.
func (l *Ledger) Reconcile(ctx context.Context, risks []ports.PositionRisk) []ReconcileAction {
	bySymbol := make(map[string]ports.PositionRisk, len(risks))
	for _, r := range risks {
		if r.PositionAmt != 0 {
			bySymbol[r.Symbol] = r
		}
	}

	var actions []ReconcileAction
	for symbol, pos := range l.positions {
		risk, onExchange := bySymbol[symbol]
		switch pos.Status {
		case domain.StatusPendingOpen:
			if l.now().Sub(l.pendingSince[symbol]) < l.cfg.PendingTimeout {
				continue
			}
			if onExchange {
				qty := math.Abs(risk.PositionAmt)
				if err := l.ConfirmOpen(ctx, symbol, risk.EntryPrice, qty, pos.ATRAtEntry); err != nil {
					l.logger.Error(ctx, err, "Reconcile promote failed", map[string]interface{}{"symbol": symbol})
					continue
				}
				actions = append(actions, ReconcileAction{Symbol: symbol, Action: "promoted"})
			} else {
				l.DiscardPending(ctx, symbol)
				actions = append(actions, ReconcileAction{Symbol: symbol, Action: "discarded"})
			}
		case domain.StatusPendingClose:
			if l.now().Sub(l.pendingSince[symbol]) < l.cfg.PendingTimeout {
				continue
			}
			if !onExchange {
				exit := pos.CurrentPrice
				if exit == 0 {
					exit = pos.EntryPrice
				}
				if _, err := l.ConfirmClose(ctx, symbol, exit); err != nil {
					l.logger.Error(ctx, err, "Reconcile settle failed", map[string]interface{}{"symbol": symbol})
					continue
				}
				actions = append(actions, ReconcileAction{Symbol: symbol, Action: "settled"})
			} else {
				// Close never executed; fall back to Open so the next tick retries.
				l.AbortClose(ctx, symbol)
				actions = append(actions, ReconcileAction{Symbol: symbol, Action: "promoted"})
			}
		case domain.StatusOpen:
			if !onExchange {
				pos.CloseReason = domain.CloseReasonReconcile
				exit := pos.CurrentPrice
				if exit == 0 {
					exit = pos.EntryPrice
				}
				if _, err := l.ConfirmClose(ctx, symbol, exit); err != nil {
					l.logger.Error(ctx, err, "Reconcile remove failed", map[string]interface{}{"symbol": symbol})
					continue
				}
				actions = append(actions, ReconcileAction{Symbol: symbol, Action: "removed"})
			}
		}
	}

	// Adopt exchange positions the ledger does not know about.
	for symbol, risk := range bySymbol {
		if l.HasPosition(symbol) {
			continue
		}
		side := domain.Buy
		if risk.PositionAmt < 0 {
			side = domain.Sell
		}
		qty := math.Abs(risk.PositionAmt)
		adopted := &domain.Position{
			Symbol:       symbol,
			Side:         side,
			Quantity:     qty,
			BaseQuantity: qty,
			EntryPrice:   risk.EntryPrice,
			CurrentPrice: risk.MarkPrice,
			EntryTime:    l.now(),
			Status:       domain.StatusOpen,
			Thesis:       "adopted from exchange snapshot",
		}
		adopted.StopLoss, adopted.TakeProfit = l.ProtectiveLevels(side, risk.EntryPrice, 0)
		id, err := l.cfg.PosRepo.Create(ctx, adopted)
		if err != nil {
			l.logger.Error(ctx, err, "Failed to persist adopted position", map[string]interface{}{"symbol": symbol})
			continue
		}
		adopted.ID = id
		l.positions[symbol] = adopted
		actions = append(actions, ReconcileAction{Symbol: symbol, Action: "adopted"})
	}

	if len(actions) > 0 {
		l.logger.Warn(ctx, "Reconciled ledger against exchange snapshot", map[string]interface{}{
			"corrections": len(actions),
		})
	}
	return actions
}
