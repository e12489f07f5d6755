package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/domain"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) *Repository {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "quorumbot-test-*")
	require.NoError(t, err)

	repo, err := NewRepository(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	})
	return repo
}

func samplePosition(symbol string) *domain.Position {
	return &domain.Position{
		Symbol:        symbol,
		Side:          domain.Buy,
		Quantity:      1.5,
		BaseQuantity:  1.5,
		EntryPrice:    2000.0,
		TakeProfit:    2100.0,
		StopLoss:      1950.0,
		EntryTime:     time.Now().UTC().Truncate(time.Second),
		Status:        domain.StatusOpen,
		OwningAgentID: "momentum-1",
		Thesis:        "breakout over 2000",
		ATRAtEntry:    12.5,
		ClientOrderID: "qb-test-1",
	}
}

func TestCreateAndFindOpenBySymbol(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	pos := samplePosition("ETHUSDT")
	id, err := repo.Create(ctx, pos)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Equal(t, id, pos.ID)

	got, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pos.Symbol, got.Symbol)
	assert.Equal(t, domain.Buy, got.Side)
	assert.Equal(t, pos.EntryPrice, got.EntryPrice)
	assert.Equal(t, "momentum-1", got.OwningAgentID)
	assert.Equal(t, "breakout over 2000", got.Thesis)
	assert.Equal(t, 12.5, got.ATRAtEntry)
	assert.Equal(t, "qb-test-1", got.ClientOrderID)

	// No open position for an unknown symbol is nil, nil.
	got, err = repo.FindOpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	pos := samplePosition("ETHUSDT")
	_, err := repo.Create(ctx, pos)
	require.NoError(t, err)

	pos.Quantity = 3.0
	pos.EntryPrice = 2010.0
	pos.ScaleIns = 1
	pos.TrailingArmed = true
	pos.StopLoss = 2001.0
	require.NoError(t, repo.Update(ctx, pos))

	got, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3.0, got.Quantity)
	assert.Equal(t, 2010.0, got.EntryPrice)
	assert.Equal(t, 1, got.ScaleIns)
	assert.True(t, got.TrailingArmed)
	assert.Equal(t, 2001.0, got.StopLoss)
}

func TestUpdateMissingPosition(t *testing.T) {
	repo := setupTestDB(t)

	pos := samplePosition("ETHUSDT")
	pos.ID = 999
	err := repo.Update(context.Background(), pos)
	assert.Error(t, err)
}

func TestFindOpenIncludesPending(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	open := samplePosition("ETHUSDT")
	_, err := repo.Create(ctx, open)
	require.NoError(t, err)

	pending := samplePosition("BTCUSDT")
	pending.Status = domain.StatusPendingOpen
	_, err = repo.Create(ctx, pending)
	require.NoError(t, err)

	closed := samplePosition("SOLUSDT")
	closed.Status = domain.StatusClosed
	_, err = repo.Create(ctx, closed)
	require.NoError(t, err)

	got, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got, "ETHUSDT")
	assert.Contains(t, got, "BTCUSDT")
	assert.Equal(t, domain.StatusPendingOpen, got["BTCUSDT"].Status)
}

func TestTradeHistory(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	entry := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	trades := []*domain.Trade{
		{Symbol: "ETHUSDT", Side: domain.Buy, EntryPrice: 2000, ExitPrice: 2100, Quantity: 1, PNL: 100,
			EntryTime: entry, ExitTime: entry.Add(30 * time.Minute), CloseReason: domain.CloseReasonTakeProfit, OwningAgentID: "momentum-1"},
		{Symbol: "ETHUSDT", Side: domain.Sell, EntryPrice: 2100, ExitPrice: 2130, Quantity: 1, PNL: -30,
			EntryTime: entry.Add(40 * time.Minute), ExitTime: entry.Add(50 * time.Minute), CloseReason: domain.CloseReasonStopLoss, OwningAgentID: "rev-1"},
		{Symbol: "BTCUSDT", Side: domain.Buy, EntryPrice: 50000, ExitPrice: 50500, Quantity: 0.1, PNL: 50,
			EntryTime: entry, ExitTime: entry.Add(time.Hour)},
	}
	for _, tr := range trades {
		id, err := repo.CreateTrade(ctx, tr)
		require.NoError(t, err)
		assert.Greater(t, id, int64(0))
	}

	got, err := repo.FindBySymbol(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most recent first.
	assert.Equal(t, domain.CloseReasonStopLoss, got[0].CloseReason)
	assert.Equal(t, "rev-1", got[0].OwningAgentID)

	got, err = repo.FindBySymbol(ctx, "ETHUSDT", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	total, err := repo.TotalProfit(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, total, 1e-9)
}
