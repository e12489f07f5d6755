package domain

import "time"

// Trade represents a completed round trip for a symbol.
type Trade struct {
	ID            int64
	PositionID    int64
	Symbol        string
	Side          OrderSide
	EntryPrice    float64
	ExitPrice     float64
	Quantity      float64
	PNL           float64
	EntryTime     time.Time
	ExitTime      time.Time
	CloseReason   CloseReason
	OwningAgentID string
}
