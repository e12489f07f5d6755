package arbitrage

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

func testScanner(t *testing.T, mutate func(*Config)) *Scanner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = nopLogger{}
	cfg.Now = func() time.Time { return time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC) }
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestFundingScan(t *testing.T) {
	s := testScanner(t, nil)
	next := time.Date(2026, 8, 25, 16, 0, 0, 0, time.UTC)
	funding := map[string]*domain.FundingRate{
		"BTCUSDT": {Symbol: "BTCUSDT", Rate: 0.0005, NextFundingTime: next},
		"ETHUSDT": {Symbol: "ETHUSDT", Rate: 0.0001, NextFundingTime: next}, // below threshold
		"SOLUSDT": {Symbol: "SOLUSDT", Rate: -0.0008, NextFundingTime: next},
	}

	out := s.Scan(nil, funding)
	require.Len(t, out, 2)
	for _, opp := range out {
		assert.Equal(t, domain.ArbitrageFunding, opp.Kind)
	}

	// Sorted best first: SOL pays 0.08% per interval vs BTC's 0.05%.
	assert.Equal(t, []string{"SOLUSDT"}, out[0].Symbols)
	assert.Equal(t, string(domain.Buy), out[0].Metadata["side"], "negative funding pays longs")
	assert.InDelta(t, 0.0008*3*365*100, out[0].ExpectedProfitPct, 1e-9)

	assert.Equal(t, []string{"BTCUSDT"}, out[1].Symbols)
	assert.Equal(t, string(domain.Sell), out[1].Metadata["side"], "positive funding pays shorts")
	assert.Equal(t, 7*time.Hour, out[1].ExecutionWindow)
}

func TestTriangularScan(t *testing.T) {
	s := testScanner(t, nil)
	prices := map[string]float64{
		"BTCUSDT": 100,
		"ADABTC":  0.01,
		"ADAUSDT": 1.02, // round trip 1.02 before fees, ~1.7% edge after
	}

	out := s.Scan(prices, nil)
	require.Len(t, out, 1)
	opp := out[0]
	assert.Equal(t, domain.ArbitrageTriangular, opp.Kind)
	assert.Equal(t, []string{"BTCUSDT", "ADABTC", "ADAUSDT"}, opp.Symbols)
	assert.Equal(t, "USDT->BTC->ADA->USDT", opp.Metadata["route"])
	assert.InDelta(t, (1.02*0.999*0.999*0.999-1)*100, opp.ExpectedProfitPct, 1e-9)
	assert.Equal(t, 10*time.Second, opp.ExecutionWindow)
}

func TestTriangularScanFeesEatThinEdge(t *testing.T) {
	s := testScanner(t, nil)
	prices := map[string]float64{
		"BTCUSDT": 100,
		"ADABTC":  0.01,
		"ADAUSDT": 1.002, // 0.2% gross, negative after three 0.1% legs
	}
	assert.Empty(t, s.Scan(prices, nil))
}

func TestCrossSymbolScan(t *testing.T) {
	s := testScanner(t, func(cfg *Config) {
		cfg.CrossPairs = []CrossPair{
			{LongCandidate: "ETHUSDT", ShortCandidate: "BTCUSDT", ExpectedRatio: 0.05},
		}
	})
	prices := map[string]float64{
		"ETHUSDT": 5.3, // ratio 0.053, 6% rich vs the expected 0.05
		"BTCUSDT": 100,
	}

	out := s.Scan(prices, nil)
	require.Len(t, out, 1)
	opp := out[0]
	assert.Equal(t, domain.ArbitrageCrossSymbol, opp.Kind)
	assert.Equal(t, "BTCUSDT", opp.Metadata["long"], "rich leg is shorted, the other longed")
	assert.Equal(t, "ETHUSDT", opp.Metadata["short"])
	assert.InDelta(t, 6.0, opp.ExpectedProfitPct, 1e-9)
}

func TestCrossSymbolScanWithinBand(t *testing.T) {
	s := testScanner(t, func(cfg *Config) {
		cfg.CrossPairs = []CrossPair{
			{LongCandidate: "ETHUSDT", ShortCandidate: "BTCUSDT", ExpectedRatio: 0.05},
		}
	})
	prices := map[string]float64{"ETHUSDT": 5.05, "BTCUSDT": 100} // 1% off, inside the band
	assert.Empty(t, s.Scan(prices, nil))
}

func TestScanMergesSortedByProfit(t *testing.T) {
	s := testScanner(t, func(cfg *Config) {
		cfg.CrossPairs = []CrossPair{
			{LongCandidate: "ETHUSDT", ShortCandidate: "BTCUSDT", ExpectedRatio: 0.05},
		}
	})
	prices := map[string]float64{
		"ETHUSDT": 5.3,
		"BTCUSDT": 100,
		"ADABTC":  0.01,
		"ADAUSDT": 1.02,
	}
	funding := map[string]*domain.FundingRate{
		"BTCUSDT": {Symbol: "BTCUSDT", Rate: 0.0005, NextFundingTime: time.Date(2026, 8, 25, 16, 0, 0, 0, time.UTC)},
	}

	out := s.Scan(prices, funding)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].ExpectedProfitPct, out[i].ExpectedProfitPct)
	}
	// The annualized funding carry dominates the one-shot edges.
	assert.Equal(t, domain.ArbitrageFunding, out[0].Kind)
}

func TestConfidenceBounds(t *testing.T) {
	s := testScanner(t, nil)
	assert.Equal(t, 0.5, s.confidence(1))
	assert.Equal(t, 0.95, s.confidence(100))
	assert.InDelta(t, 0.6, s.confidence(2), 1e-9)
}
