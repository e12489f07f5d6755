package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/domain"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(AdmissionConfig{
		Logger:                 nopLogger{},
		MaxConcurrentPositions: 3,
		MaxTotalExposure:       0.60,
		MaxPositionSize:        0.10,
		MaxDailyLossPct:        0.05,
	})
	require.NoError(t, err)
	return c
}

func TestExposureGate(t *testing.T) {
	c := testController(t)
	req := Request{Symbol: "BTCUSDT", AgentID: "A", Side: domain.Buy, Notional: 100, Origin: "consensus"}

	// 59% existing exposure: any normally sized request tips past 60%.
	d := c.CheckAdmission(req, PortfolioState{Balance: 1000, OpenPositions: 1, TotalExposure: 590})
	assert.False(t, d.Allowed)
	assert.Equal(t, GateExposure, d.Gate)

	// 40% exposure: a request up to the per-position cap is admitted.
	d = c.CheckAdmission(req, PortfolioState{Balance: 1000, OpenPositions: 1, TotalExposure: 400})
	assert.True(t, d.Allowed)
	assert.Equal(t, 100.0, d.Notional)
}

func TestNotionalCapShrinksInsteadOfRejecting(t *testing.T) {
	c := testController(t)
	req := Request{Symbol: "BTCUSDT", AgentID: "A", Side: domain.Buy, Notional: 500, Origin: "consensus"}

	d := c.CheckAdmission(req, PortfolioState{Balance: 1000, OpenPositions: 0, TotalExposure: 0})
	require.True(t, d.Allowed)
	assert.Equal(t, GateNotionalCap, d.Gate)
	assert.Equal(t, 100.0, d.Notional, "request should be capped to balance*MaxPositionSize")
}

func TestPositionCountGate(t *testing.T) {
	c := testController(t)
	req := Request{Symbol: "BTCUSDT", AgentID: "A", Side: domain.Buy, Notional: 50, Origin: "consensus"}

	d := c.CheckAdmission(req, PortfolioState{Balance: 1000, OpenPositions: 3, TotalExposure: 100})
	assert.False(t, d.Allowed)
	assert.Equal(t, GatePositionCount, d.Gate)
}

func TestPauseGateRunsFirst(t *testing.T) {
	c := testController(t)
	c.PauseTrading("global breaker escalation")
	d := c.CheckAdmission(Request{Symbol: "BTCUSDT", Notional: 50}, PortfolioState{Balance: 1000})
	assert.False(t, d.Allowed)
	assert.Equal(t, GatePaused, d.Gate)

	c.ResumeTrading()
	d = c.CheckAdmission(Request{Symbol: "BTCUSDT", Notional: 50}, PortfolioState{Balance: 1000})
	assert.True(t, d.Allowed)
}

func TestAgentDailyLossBreaker(t *testing.T) {
	c := testController(t)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.Local)
	c.now = func() time.Time { return now }

	// Allocation 1000, limit 5% => breach below -50.
	c.RecordAgentPnL("A", -30, 1000)
	assert.False(t, c.AgentBreached("A"))
	c.RecordAgentPnL("A", -25, 1000)
	assert.True(t, c.AgentBreached("A"))
	assert.Equal(t, -55.0, c.DailyPnL("A"))

	d := c.CheckAdmission(Request{Symbol: "BTCUSDT", AgentID: "A", Notional: 50}, PortfolioState{Balance: 1000})
	assert.False(t, d.Allowed)
	assert.Equal(t, GateAgentBreached, d.Gate)

	// Other agents are unaffected.
	d = c.CheckAdmission(Request{Symbol: "BTCUSDT", AgentID: "B", Notional: 50}, PortfolioState{Balance: 1000})
	assert.True(t, d.Allowed)

	// Day rollover clears the breach.
	now = now.Add(24 * time.Hour)
	assert.False(t, c.AgentBreached("A"))

	// Manual reset clears too.
	now = now.Add(-24 * time.Hour)
	c.ResetDaily()
	assert.False(t, c.AgentBreached("A"))
}

func TestAssessMargin(t *testing.T) {
	c := testController(t)
	assert.Equal(t, MarginNormal, c.AssessMargin(100, 1000))
	assert.Equal(t, MarginWarning, c.AssessMargin(650, 1000))
	assert.Equal(t, MarginCritical, c.AssessMargin(850, 1000))
	assert.Equal(t, MarginCritical, c.AssessMargin(100, 0))
}

func TestForceCloseCandidatesLargestFirst(t *testing.T) {
	positions := map[string]*domain.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 1, CurrentPrice: 300, Status: domain.StatusOpen},
		"ETHUSDT": {Symbol: "ETHUSDT", Side: domain.Sell, Quantity: 2, CurrentPrice: 400, Status: domain.StatusOpen},
		"BNBUSDT": {Symbol: "BNBUSDT", Side: domain.Buy, Quantity: 1, CurrentPrice: 100, Status: domain.StatusClosed},
	}
	out := ForceCloseCandidates(positions)
	require.Len(t, out, 2, "closed positions are not candidates")
	assert.Equal(t, "ETHUSDT", out[0].Symbol)
	assert.Equal(t, "BTCUSDT", out[1].Symbol)
}
