package ports

import (
	"context"
	"time"

	"quorumbot/internal/domain"
)

// Agent is an independent signal producer. Evaluate must be side-effect free
// on the core's state; a nil signal means no opinion this cycle.
type Agent interface {
	ID() string
	Kind() domain.AgentKind
	Evaluate(ctx context.Context, symbol string, snapshot *domain.MarketSnapshot, history []*domain.Trade) (*domain.AgentSignal, error)
}

// Event is a fire-and-forget notification emitted by the core.
type Event struct {
	Type      string
	Symbol    string
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
}

// Notifier delivers events to an external sink. Publish must never block core
// logic; implementations buffer and drop on overflow, swallowing failures.
type Notifier interface {
	Publish(event Event)
	Close() error
}

// MarketCache is a short-TTL cache in front of the exchange's market-data
// endpoints. A nil cache is valid and degrades to direct exchange calls.
type MarketCache interface {
	GetTicker(ctx context.Context, symbol string) (*domain.Ticker, bool)
	SetTicker(ctx context.Context, ticker *domain.Ticker, ttl time.Duration)
	GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, bool)
	SetFundingRate(ctx context.Context, rate *domain.FundingRate, ttl time.Duration)
}
