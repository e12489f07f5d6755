package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/arbitrage"
	"quorumbot/internal/consensus"
	"quorumbot/internal/domain"
	"quorumbot/internal/ledger"
	"quorumbot/internal/ports"
	"quorumbot/internal/reentry"
	"quorumbot/internal/risk"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// --- mocks ---

type mockExchange struct {
	mu         sync.Mutex
	price      float64
	klines     []*domain.Kline
	account    ports.AccountState
	accountErr error
	risks      []ports.PositionRisk
	orders     []ports.OrderRequest
	orderSeq   int64
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.Ticker{Symbol: symbol, Last: m.price, Timestamp: time.Now()}, nil
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.klines, nil
}

func (m *mockExchange) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return nil, errors.New("funding not available in test")
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, req)
	m.orderSeq++
	return &ports.OrderResponse{
		OrderID:       m.orderSeq,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "FILLED",
		ExecutedQty:   req.Quantity,
		AvgPrice:      m.price,
		Timestamp:     time.Now(),
	}, nil
}

func (m *mockExchange) CancelAll(ctx context.Context, symbol string) error { return nil }

func (m *mockExchange) GetPositionRisk(ctx context.Context) ([]ports.PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.risks, nil
}

func (m *mockExchange) GetAccountState(ctx context.Context) (*ports.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	account := m.account
	return &account, nil
}

func (m *mockExchange) Ping(ctx context.Context) error { return nil }

func (m *mockExchange) placedOrders() []ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.OrderRequest(nil), m.orders...)
}

type memPosRepo struct {
	mu    sync.Mutex
	seq   int64
	store map[int64]*domain.Position
}

func newMemPosRepo() *memPosRepo { return &memPosRepo{store: make(map[int64]*domain.Position)} }

func (r *memPosRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *pos
	cp.ID = r.seq
	r.store[r.seq] = &cp
	return r.seq, nil
}

func (r *memPosRepo) Update(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.store[pos.ID]; !ok {
		return ports.ErrNotFound
	}
	cp := *pos
	r.store[pos.ID] = &cp
	return nil
}

func (r *memPosRepo) FindOpen(ctx context.Context) (map[string]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.Position)
	for _, p := range r.store {
		if p.Status != domain.StatusClosed {
			cp := *p
			out[p.Symbol] = &cp
		}
	}
	return out, nil
}

func (r *memPosRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.store {
		if p.Symbol == symbol && p.Status == domain.StatusOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

type memTradeRepo struct {
	mu     sync.Mutex
	seq    int64
	trades []*domain.Trade
}

func (r *memTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *trade
	cp.ID = r.seq
	r.trades = append(r.trades, &cp)
	return r.seq, nil
}

func (r *memTradeRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Trade
	for i := len(r.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if r.trades[i].Symbol == symbol {
			cp := *r.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTradeRepo) TotalProfit(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0.0
	for _, t := range r.trades {
		total += t.PNL
	}
	return total, nil
}

func (r *memTradeRepo) all() []*domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Trade(nil), r.trades...)
}

// stubAgent emits a scripted signal for every symbol it is asked about.
type stubAgent struct {
	id   string
	kind domain.AgentKind
	sig  *domain.AgentSignal
	err  error
}

func (a *stubAgent) ID() string             { return a.id }
func (a *stubAgent) Kind() domain.AgentKind { return a.kind }
func (a *stubAgent) Evaluate(ctx context.Context, symbol string, snapshot *domain.MarketSnapshot, history []*domain.Trade) (*domain.AgentSignal, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.sig == nil {
		return nil, nil
	}
	sig := *a.sig
	sig.AgentID = a.id
	sig.Symbol = symbol
	sig.Timestamp = time.Now()
	return &sig, nil
}

// --- fixture ---

type fixture struct {
	svc       *Service
	exchange  *mockExchange
	posRepo   *memPosRepo
	tradeRepo *memTradeRepo
	led       *ledger.Ledger
	adm       *risk.Controller
	eng       *consensus.Engine
	sched     *reentry.Scheduler
}

func trendKlines(n int, start, step float64) []*domain.Kline {
	out := make([]*domain.Kline, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range out {
		c := start + float64(i)*step
		out[i] = &domain.Kline{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c * 1.001, Low: c * 0.999, Close: c,
			Volume: 10, IsFinal: true,
		}
	}
	return out
}

func newFixture(t *testing.T, agents ...ports.Agent) *fixture {
	t.Helper()
	log := nopLogger{}

	exchange := &mockExchange{
		price:  100,
		klines: trendKlines(30, 99, 0.05),
		account: ports.AccountState{
			Balance:           10000,
			MarginBalance:     10000,
			MaintenanceMargin: 0,
			AvailableBalance:  10000,
		},
	}
	posRepo := newMemPosRepo()
	tradeRepo := &memTradeRepo{}

	eng, err := consensus.NewEngine(consensus.Config{Logger: log})
	require.NoError(t, err)

	adm, err := risk.NewController(risk.AdmissionConfig{
		Logger:                 log,
		MaxConcurrentPositions: 5,
		MaxTotalExposure:       0.6,
		MaxPositionSize:        0.15,
		MaxDailyLossPct:        0.05,
	})
	require.NoError(t, err)

	ledCfg := ledger.DefaultConfig()
	ledCfg.Logger = log
	ledCfg.PosRepo = posRepo
	ledCfg.TradeRepo = tradeRepo
	led, err := ledger.New(ledCfg)
	require.NoError(t, err)

	schedCfg := reentry.DefaultConfig()
	schedCfg.Logger = log
	sched, err := reentry.New(schedCfg)
	require.NoError(t, err)

	scannerCfg := arbitrage.DefaultConfig()
	scannerCfg.Logger = log
	scanner, err := arbitrage.New(scannerCfg)
	require.NoError(t, err)

	svc, err := New(Config{Symbols: []string{"BTCUSDT"}}, Deps{
		Logger:    log,
		Exchange:  exchange,
		TradeRepo: tradeRepo,
		Consensus: eng,
		Admission: adm,
		Ledger:    led,
		ReEntry:   sched,
		Scanner:   scanner,
		Agents:    agents,
	})
	require.NoError(t, err)

	return &fixture{
		svc: svc, exchange: exchange, posRepo: posRepo, tradeRepo: tradeRepo,
		led: led, adm: adm, eng: eng, sched: sched,
	}
}

// openTestPosition seeds an open position through the full ledger lifecycle
// and mirrors it in the exchange snapshot so reconciliation keeps it.
func openTestPosition(t *testing.T, f *fixture, symbol string, side domain.OrderSide, qty, entry, atr float64, agentID string) {
	t.Helper()
	ctx := context.Background()
	pos := &domain.Position{
		Symbol: symbol, Side: side, Quantity: qty, BaseQuantity: qty,
		EntryPrice: entry, OwningAgentID: agentID, Thesis: "seeded",
	}
	require.NoError(t, f.led.BeginOpen(ctx, pos))
	require.NoError(t, f.led.ConfirmOpen(ctx, symbol, entry, qty, atr))

	amt := qty
	if side == domain.Sell {
		amt = -qty
	}
	f.exchange.mu.Lock()
	f.exchange.risks = append(f.exchange.risks, ports.PositionRisk{
		Symbol: symbol, PositionAmt: amt, EntryPrice: entry, MarkPrice: entry,
	})
	f.exchange.mu.Unlock()
}

// --- tests ---

func TestConsensusEntryOpensPosition(t *testing.T) {
	agent := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryLong, Confidence: 0.9, Strength: 0.8, Reasoning: "trend up",
	}}
	f := newFixture(t, agent)

	f.svc.tick(context.Background())

	require.True(t, f.led.HasPosition("BTCUSDT"))
	pos, _ := f.led.Position("BTCUSDT")
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.Buy, pos.Side)
	// 10% of 10k balance at price 100.
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.Equal(t, "mom-1", pos.OwningAgentID)

	orders := f.exchange.placedOrders()
	require.Len(t, orders, 1)
	assert.True(t, strings.HasPrefix(orders[0].ClientOrderID, "qb-"))
	assert.False(t, orders[0].ReduceOnly)

	status := f.svc.Status()
	require.Len(t, status.OpenPositions, 1)
	assert.Equal(t, 10000.0, status.Balance)
}

func TestLowConfidenceVoteDoesNotTrade(t *testing.T) {
	agent := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryLong, Confidence: 0.3, Strength: 0.8,
	}}
	f := newFixture(t, agent)

	f.svc.tick(context.Background())

	assert.False(t, f.led.HasPosition("BTCUSDT"))
	assert.Empty(t, f.exchange.placedOrders())
}

func TestMarginWarningBlocksEntries(t *testing.T) {
	agent := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryLong, Confidence: 0.9, Strength: 0.8,
	}}
	f := newFixture(t, agent)
	f.exchange.account.MaintenanceMargin = 7000 // ratio 0.7: warning band

	f.svc.tick(context.Background())

	assert.False(t, f.led.HasPosition("BTCUSDT"))
	assert.Empty(t, f.exchange.placedOrders())
}

func TestMarginCriticalForceClosesLargest(t *testing.T) {
	f := newFixture(t)
	openTestPosition(t, f, "BTCUSDT", domain.Buy, 10, 100, 2, "mom-1")
	f.exchange.account.MaintenanceMargin = 8500 // ratio 0.85: critical

	f.svc.tick(context.Background())

	assert.False(t, f.led.HasPosition("BTCUSDT"))
	trades := f.tradeRepo.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseReasonLiquidation, trades[0].CloseReason)

	orders := f.exchange.placedOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, domain.Sell, orders[0].Side)
}

func TestStopLossExitQueuesReEntry(t *testing.T) {
	f := newFixture(t)
	// Long from 100 with ATR 2: stop at 97.6, target at 105.
	openTestPosition(t, f, "BTCUSDT", domain.Buy, 10, 100, 2, "mom-1")
	f.eng.RegisterAgent("mom-1", domain.AgentKindMomentum, "momentum")
	f.exchange.price = 97 // through the stop, above the -5% emergency line

	f.svc.tick(context.Background())

	assert.False(t, f.led.HasPosition("BTCUSDT"))
	trades := f.tradeRepo.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, trades[0].CloseReason)
	assert.InDelta(t, -30.0, trades[0].PNL, 1e-9)

	// The forced exit seeded a re-entry intent below the stop.
	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "BTCUSDT", pending[0].Symbol)
	assert.Less(t, pending[0].TargetEntryPrice, 97.6)

	// The losing trade dragged the owning agent's weight down.
	assert.Less(t, f.eng.Weight("mom-1"), 1.0)
	assert.Negative(t, f.adm.DailyPnL("mom-1"))
}

func TestSignalFlipClosesBeforeReopen(t *testing.T) {
	agent := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryShort, Confidence: 0.9, Strength: 0.9,
	}}
	f := newFixture(t, agent)
	openTestPosition(t, f, "BTCUSDT", domain.Buy, 10, 100, 2, "mom-1")

	f.svc.tick(context.Background())

	// The flip tick only closes; no new short is opened in the same pass.
	assert.False(t, f.led.HasPosition("BTCUSDT"))
	trades := f.tradeRepo.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseReasonSignalFlip, trades[0].CloseReason)

	orders := f.exchange.placedOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].ReduceOnly)

	// A flip is not a forced stop-out: no re-entry intent.
	assert.Empty(t, f.sched.Pending())
}

func TestScaleInOnStrongSameSideConsensus(t *testing.T) {
	agent := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryLong, Confidence: 0.9, Strength: 0.9,
	}}
	f := newFixture(t, agent)
	openTestPosition(t, f, "BTCUSDT", domain.Buy, 10, 100, 2, "mom-1")
	f.exchange.price = 100.5 // inside the protective band, below trailing arm

	f.svc.tick(context.Background())

	pos, ok := f.led.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 1, pos.ScaleIns)
	assert.InDelta(t, 20.0, pos.Quantity, 1e-9)
	// VWAP entry between 100 and 100.5.
	assert.Greater(t, pos.EntryPrice, 100.0)
	assert.Less(t, pos.EntryPrice, 100.5)
}

func TestExchangeBreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.exchange.accountErr = errors.New("exchange down")

	for i := 0; i < 5; i++ {
		f.svc.tick(context.Background())
	}

	states := f.adm.BreakerStates()
	assert.Equal(t, risk.BreakerOpen, states[risk.BreakerExchange])

	// Further ticks fail fast without reaching the exchange.
	f.svc.tick(context.Background())
	assert.Empty(t, f.exchange.placedOrders())
}

func TestAgentErrorForfeitsVoteOnly(t *testing.T) {
	failing := &stubAgent{id: "bad-1", kind: domain.AgentKindML, err: errors.New("model offline")}
	healthy := &stubAgent{id: "mom-1", kind: domain.AgentKindMomentum, sig: &domain.AgentSignal{
		Kind: domain.SignalEntryLong, Confidence: 0.9, Strength: 0.8,
	}}
	f := newFixture(t, failing, healthy)

	f.svc.tick(context.Background())

	// The healthy agent's vote still opened the position.
	assert.True(t, f.led.HasPosition("BTCUSDT"))
}
