package reentry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testScheduler(t *testing.T) (*Scheduler, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = nopLogger{}
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	cfg.Now = func() time.Time { return now }
	s, err := New(cfg)
	require.NoError(t, err)
	return s, &now
}

func TestQueueReEntryPricing(t *testing.T) {
	s, now := testScheduler(t)

	intent := s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "trend held", "agent-1")
	require.NotNil(t, intent)

	// ATR is 2% of the stop: multiplier saturates at 3x, target = 100 - 6.
	assert.InDelta(t, 94.0, intent.TargetEntryPrice, 1e-9)
	assert.LessOrEqual(t, intent.TargetEntryPrice, 100.0, "long re-entry must be at or below the stop")

	// Expiry 2 + min(4, 6) = 6h: strictly between 2h and 8h from creation.
	expiry := intent.Expiry.Sub(*now)
	assert.Greater(t, expiry, 2*time.Hour)
	assert.Less(t, expiry, 8*time.Hour)
}

func TestQueueReEntryShortSide(t *testing.T) {
	s, _ := testScheduler(t)
	intent := s.QueueReEntry("ETHUSDT", domain.Sell, 200, 1, 0.6, "breakdown", "agent-2")
	require.NotNil(t, intent)
	assert.Greater(t, intent.TargetEntryPrice, 200.0, "short re-entry must be above the stop")
}

func TestPriceTrigger(t *testing.T) {
	s, _ := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "thesis", "agent-1")

	// Above the target: no trigger.
	fired := s.CheckTriggers(map[string]float64{"BTCUSDT": 95}, nil)
	assert.Empty(t, fired)

	fired = s.CheckTriggers(map[string]float64{"BTCUSDT": 93.5}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, "price", fired[0].Cause)
	assert.Equal(t, 1, fired[0].Intent.Attempts)
	assert.InDelta(t, 0.7*1.15, fired[0].Confidence, 1e-9)
}

func TestMomentumTrigger(t *testing.T) {
	s, _ := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "thesis", "agent-1")

	fired := s.CheckTriggers(map[string]float64{"BTCUSDT": 98}, map[string]float64{"BTCUSDT": 0.5})
	assert.Empty(t, fired, "momentum below threshold")

	fired = s.CheckTriggers(map[string]float64{"BTCUSDT": 98}, map[string]float64{"BTCUSDT": 0.7})
	require.Len(t, fired, 1)
	assert.Equal(t, "momentum", fired[0].Cause)

	// Adverse momentum never triggers a long.
	s.QueueReEntry("ETHUSDT", domain.Buy, 100, 2, 0.7, "thesis", "agent-1")
	fired = s.CheckTriggers(map[string]float64{"ETHUSDT": 98}, map[string]float64{"ETHUSDT": -0.9})
	assert.Empty(t, fired)
}

func TestConfidenceBoostCapped(t *testing.T) {
	s, _ := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.9, "thesis", "agent-1")
	fired := s.CheckTriggers(map[string]float64{"BTCUSDT": 90}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 0.95, fired[0].Confidence)
}

func TestExpiryDropsIntent(t *testing.T) {
	s, now := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "thesis", "agent-1")

	*now = now.Add(7 * time.Hour) // past the 6h expiry
	fired := s.CheckTriggers(map[string]float64{"BTCUSDT": 90}, nil)
	assert.Empty(t, fired)
	assert.Empty(t, s.Pending())
}

func TestAttemptsExhaust(t *testing.T) {
	s, _ := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "thesis", "agent-1")

	fired := s.CheckTriggers(map[string]float64{"BTCUSDT": 90}, nil)
	require.Len(t, fired, 1)
	fired = s.CheckTriggers(map[string]float64{"BTCUSDT": 90}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 2, fired[0].Intent.Attempts)

	// MaxAttempts=2 used up: the intent is gone.
	fired = s.CheckTriggers(map[string]float64{"BTCUSDT": 90}, nil)
	assert.Empty(t, fired)
	assert.Empty(t, s.Pending())
}

func TestNewerIntentReplacesOlder(t *testing.T) {
	s, _ := testScheduler(t)
	s.QueueReEntry("BTCUSDT", domain.Buy, 100, 2, 0.7, "first", "agent-1")
	s.QueueReEntry("BTCUSDT", domain.Buy, 95, 2, 0.8, "second", "agent-1")

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].OriginalThesis)
	assert.Equal(t, 95.0, pending[0].OriginalStopPrice)
}
