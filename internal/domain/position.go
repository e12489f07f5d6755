package domain

import "time"

// Position represents the single position held for a symbol.
// Invariant: at most one position exists per symbol at any time (no hedging).
type Position struct {
	ID            int64
	Symbol        string
	Side          OrderSide
	Quantity      float64
	BaseQuantity  float64 // quantity of the original entry, scale-in unit
	EntryPrice    float64 // volume-weighted after scale-ins
	CurrentPrice  float64
	ExitPrice     float64
	TakeProfit    float64
	StopLoss      float64
	EntryTime     time.Time
	ExitTime      time.Time
	Status        PositionStatus
	PNL           float64
	CloseReason   CloseReason
	OwningAgentID string
	Thesis        string
	ScaleIns      int
	TrailingArmed bool    // stop has been moved off its initial level
	ATRAtEntry    float64 // volatility snapshot used for protective levels
	ClientOrderID string  // reconciliation key sent with the opening order
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional returns the absolute notional value at the current price.
func (p *Position) Notional() float64 {
	price := p.CurrentPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return p.Quantity * price
}

// UnrealizedPnL returns the mark-to-market profit at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == Buy {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// UnrealizedPct returns the unrealized move as a fraction of entry price,
// positive when the position is in profit.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == Buy {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// AddQuantity folds a scale-in fill into the position, recomputing the
// volume-weighted entry price.
func (p *Position) AddQuantity(qty, fillPrice float64) {
	total := p.Quantity + qty
	if total <= 0 {
		return
	}
	p.EntryPrice = (p.EntryPrice*p.Quantity + fillPrice*qty) / total
	p.Quantity = total
	p.ScaleIns++
}

// RealizedPnL computes the profit of closing the full position at exitPrice.
func (p *Position) RealizedPnL(exitPrice float64) float64 {
	if p.Side == Buy {
		return (exitPrice - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - exitPrice) * p.Quantity
}
