package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionStatus represents the lifecycle state of a position.
// A position moves PendingOpen -> Open -> PendingClose -> Closed; trailing
// adjustments and scale-ins mutate an Open position in place.
type PositionStatus string

const (
	StatusPendingOpen  PositionStatus = "pending_open"
	StatusOpen         PositionStatus = "open"
	StatusPendingClose PositionStatus = "pending_close"
	StatusClosed       PositionStatus = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonEmergencyStop CloseReason = "EMERGENCY_STOP"
	CloseReasonTakeProfit    CloseReason = "TAKE_PROFIT"
	CloseReasonStopLoss      CloseReason = "STOP_LOSS"
	CloseReasonSignalFlip    CloseReason = "SIGNAL_FLIP"
	CloseReasonStale         CloseReason = "STALE"
	CloseReasonLiquidation   CloseReason = "LIQUIDATION_GUARD"
	CloseReasonShutdown      CloseReason = "SHUTDOWN"
	CloseReasonReconcile     CloseReason = "RECONCILED"
	CloseReasonManual        CloseReason = "MANUAL"
)

// ForcedOut reports whether the close reason qualifies the position for a
// re-entry attempt (the position was pushed out, not exited by thesis).
func (r CloseReason) ForcedOut() bool {
	switch r {
	case CloseReasonStopLoss, CloseReasonEmergencyStop, CloseReasonLiquidation:
		return true
	}
	return false
}
