package ports

import (
	"context"
	"time"

	"quorumbot/internal/domain"
)

// OrderRequest describes an order submitted to the exchange.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	Price         float64 // only for limit orders
	ClientOrderID string  // caller-generated id used for reconciliation
	ReduceOnly    bool
}

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Status        string // NEW, FILLED, PARTIALLY_FILLED, CANCELED, REJECTED
	ExecutedQty   float64
	AvgPrice      float64
	Timestamp     time.Time
}

// Filled reports whether the order fully executed.
func (r *OrderResponse) Filled() bool {
	return r.Status == "FILLED"
}

// PositionRisk is the exchange's authoritative view of one open position.
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64 // positive long, negative short
	EntryPrice       float64
	MarkPrice        float64
	UnRealizedProfit float64
	LiquidationPrice float64
	MaintMargin      float64
}

// AccountState summarises the margin account for admission decisions.
type AccountState struct {
	Balance           float64 // wallet balance in quote currency
	MarginBalance     float64 // balance + unrealized PnL
	MaintenanceMargin float64
	AvailableBalance  float64
}

// ExchangeClient defines the boundary to the signed exchange REST API.
// All calls are synchronous request/response and may fail with transport or
// exchange-level errors; callers route them through the circuit breaker.
type ExchangeClient interface {
	// GetTicker retrieves the current market snapshot for a symbol.
	GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error)

	// GetKlines retrieves recent candlesticks for indicator calculations.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// GetFundingRate retrieves the current funding state for a perpetual symbol.
	GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error)

	// PlaceOrder submits an order and returns the exchange's fill report.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// CancelAll cancels every open order for the symbol.
	CancelAll(ctx context.Context, symbol string) error

	// GetPositionRisk returns the authoritative open-position snapshot for the
	// whole account. Used for pending-state reconciliation.
	GetPositionRisk(ctx context.Context) ([]PositionRisk, error)

	// GetAccountState retrieves balances and maintenance margin.
	GetAccountState(ctx context.Context) (*AccountState, error)

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error
}
