package ports

import (
	"context"

	"quorumbot/internal/domain"
)

// PositionRepository stores the positions that must survive a restart.
// Writes are at-least-once with last-write-wins semantics.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpen retrieves all positions not yet closed, keyed by symbol.
	// Used to restore state after a restart.
	FindOpen(ctx context.Context) (map[string]*domain.Position, error)
	// FindOpenBySymbol retrieves the open position for a symbol, if any.
	// Returns nil, nil when no open position exists.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
}

// TradeRepository stores completed round trips.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// TotalProfit sums PnL over all recorded trades.
	TotalProfit(ctx context.Context) (float64, error)
}
