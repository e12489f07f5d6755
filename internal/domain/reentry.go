package domain

import "time"

// ReEntryIntent is a deferred, price-triggered attempt to re-open a position
// after a forced stop-out, at a strictly better price than the stop.
type ReEntryIntent struct {
	Symbol            string
	Direction         OrderSide
	OriginalStopPrice float64
	TargetEntryPrice  float64
	Confidence        float64
	CreatedAt         time.Time
	Expiry            time.Time
	OriginalThesis    string
	ATRAtStop         float64
	Attempts          int
	MaxAttempts       int
	OwningAgentID     string
}

// Expired reports whether the intent is past its expiry at the given time.
func (i *ReEntryIntent) Expired(now time.Time) bool {
	return !now.Before(i.Expiry)
}

// Exhausted reports whether the intent has used up its trigger attempts.
func (i *ReEntryIntent) Exhausted() bool {
	return i.Attempts >= i.MaxAttempts
}
