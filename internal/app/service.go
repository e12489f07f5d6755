package app

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorumbot/internal/api"
	"quorumbot/internal/arbitrage"
	"quorumbot/internal/consensus"
	"quorumbot/internal/domain"
	"quorumbot/internal/indicators"
	"quorumbot/internal/ledger"
	"quorumbot/internal/obs"
	"quorumbot/internal/ports"
	"quorumbot/internal/reentry"
	"quorumbot/internal/risk"
)

// Config holds configuration for the orchestrator.
type Config struct {
	Symbols       []string
	TickInterval  time.Duration // default 5s
	KlineInterval string        // default "1m"
	KlineLimit    int           // default 100

	ATRPeriod      int // default 14
	MomentumPeriod int // default 10

	// FetchConcurrency bounds parallel market-data fetches per tick.
	FetchConcurrency int
	// AgentTimeout bounds one agent evaluation; a slow agent forfeits its vote.
	AgentTimeout time.Duration

	// BaseOrderPct sizes a consensus entry as a fraction of balance. The
	// admission controller may cap it further.
	BaseOrderPct float64
	// MinConsensusConfidence and MinAgreement gate acting on a vote at all.
	MinConsensusConfidence float64
	MinAgreement           float64

	// TickerTTL and FundingTTL bound market-cache staleness.
	TickerTTL  time.Duration
	FundingTTL time.Duration

	// FundingEntryThreshold blocks an entry whose direction would pay a
	// |funding rate| at or above it with settlement inside FundingBlockWindow.
	FundingEntryThreshold float64
	FundingBlockWindow    time.Duration

	// TradeHistoryDepth is how many recent trades each agent sees.
	TradeHistoryDepth int

	// CloseOnShutdown flattens all open positions on graceful shutdown.
	CloseOnShutdown bool
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.KlineInterval == "" {
		c.KlineInterval = "1m"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 100
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.MomentumPeriod <= 0 {
		c.MomentumPeriod = 10
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 2 * time.Second
	}
	if c.BaseOrderPct <= 0 {
		c.BaseOrderPct = 0.1
	}
	if c.MinConsensusConfidence <= 0 {
		c.MinConsensusConfidence = 0.55
	}
	if c.MinAgreement <= 0 {
		c.MinAgreement = 0.5
	}
	if c.TickerTTL <= 0 {
		c.TickerTTL = 10 * time.Second
	}
	if c.FundingTTL <= 0 {
		c.FundingTTL = time.Minute
	}
	if c.FundingEntryThreshold <= 0 {
		c.FundingEntryThreshold = 0.0005
	}
	if c.FundingBlockWindow <= 0 {
		c.FundingBlockWindow = 30 * time.Minute
	}
	if c.TradeHistoryDepth <= 0 {
		c.TradeHistoryDepth = 20
	}
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Logger    ports.Logger
	Exchange  ports.ExchangeClient
	TradeRepo ports.TradeRepository
	Cache     ports.MarketCache // optional
	Notifier  ports.Notifier    // optional
	Metrics   *obs.Metrics      // optional

	Consensus *consensus.Engine
	Admission *risk.Controller
	Ledger    *ledger.Ledger
	ReEntry   *reentry.Scheduler
	Scanner   *arbitrage.Scanner

	Agents []ports.Agent
}

// Service drives the deterministic per-tick pipeline: account health, state
// reconciliation, exits, agent evaluation, consensus, admission, execution,
// re-entry sweeps and the arbitrage scan. All core state mutation happens on
// the tick goroutine; HTTP handlers read a published snapshot.
type Service struct {
	cfg    Config
	logger ports.Logger

	exchange  ports.ExchangeClient
	tradeRepo ports.TradeRepository
	cache     ports.MarketCache
	notifier  ports.Notifier
	metrics   *obs.Metrics

	consensus *consensus.Engine
	admission *risk.Controller
	ledger    *ledger.Ledger
	reentry   *reentry.Scheduler
	scanner   *arbitrage.Scanner
	agents    []ports.Agent

	// entryConf remembers the confidence an entry was admitted with so a
	// forced stop-out can seed its re-entry intent.
	entryConf map[string]float64

	lastBalance float64

	statusMu sync.RWMutex
	status   api.Status
}

// New creates the orchestrator service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Logger == nil || deps.Exchange == nil || deps.TradeRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for orchestrator")
	}
	if deps.Consensus == nil || deps.Admission == nil || deps.Ledger == nil || deps.ReEntry == nil || deps.Scanner == nil {
		return nil, fmt.Errorf("missing core components for orchestrator")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	cfg.applyDefaults()

	s := &Service{
		cfg:       cfg,
		logger:    deps.Logger,
		exchange:  deps.Exchange,
		tradeRepo: deps.TradeRepo,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		consensus: deps.Consensus,
		admission: deps.Admission,
		ledger:    deps.Ledger,
		reentry:   deps.ReEntry,
		scanner:   deps.Scanner,
		agents:    deps.Agents,
		entryConf: make(map[string]float64),
	}
	for _, agent := range s.agents {
		s.consensus.RegisterAgent(agent.ID(), agent.Kind(), string(agent.Kind()))
	}
	return s, nil
}

// Status implements api.StatusProvider.
func (s *Service) Status() api.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Run restores persisted state, reconciles it against the exchange and then
// executes the tick loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Starting execution core", map[string]interface{}{
		"symbols": s.cfg.Symbols, "tick": s.cfg.TickInterval.String(), "agents": len(s.agents),
	})

	if err := s.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	if risks, err := s.positionRisks(ctx); err != nil {
		s.logger.Error(ctx, err, "Startup reconciliation failed, continuing with persisted state")
	} else {
		s.ledger.Reconcile(ctx, risks)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Shutdown requested")
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			s.tick(ctx)
			s.metrics.ObserveTick(time.Since(start).Seconds())
		}
	}
}

// shutdown flattens open positions (when configured) with a fresh, bounded
// context since the run context is already cancelled.
func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.cfg.CloseOnShutdown {
		for _, pos := range s.ledger.OpenPositions() {
			if !pos.IsOpen() {
				continue
			}
			if err := s.closePosition(ctx, pos.Symbol, domain.CloseReasonShutdown); err != nil {
				s.logger.Error(ctx, err, "Best-effort shutdown close failed", map[string]interface{}{"symbol": pos.Symbol})
			}
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(ports.Event{Type: "shutdown", Message: "execution core stopped"})
		if err := s.notifier.Close(); err != nil {
			s.logger.Error(ctx, err, "Failed to close notifier")
		}
	}
}

// tick runs one full pipeline pass. Any phase may degrade (skip its work and
// log) without aborting the tick; only a missing account snapshot stops it.
func (s *Service) tick(ctx context.Context) {
	account, err := s.accountState(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Skipping tick, account state unavailable")
		return
	}
	s.lastBalance = account.Balance

	entriesBlocked := s.guardMargin(ctx, account)

	snapshots := s.fetchSnapshots(ctx)

	if risks, err := s.positionRisks(ctx); err == nil {
		s.ledger.Reconcile(ctx, risks)
	} else {
		s.logger.Warn(ctx, "Reconciliation skipped", map[string]interface{}{"error": err.Error()})
	}

	s.managePositions(ctx, snapshots)
	s.evaluateAgents(ctx, snapshots)
	s.actOnVotes(ctx, snapshots, entriesBlocked)
	s.sweepReEntries(ctx, snapshots, entriesBlocked)
	s.scanArbitrage(ctx, snapshots, entriesBlocked)

	s.publishStatus()
}

func (s *Service) accountState(ctx context.Context) (*ports.AccountState, error) {
	var account *ports.AccountState
	err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		var err error
		account, err = s.exchange.GetAccountState(ctx)
		return err
	})
	return account, err
}

func (s *Service) positionRisks(ctx context.Context) ([]ports.PositionRisk, error) {
	var risks []ports.PositionRisk
	err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		var err error
		risks, err = s.exchange.GetPositionRisk(ctx)
		return err
	})
	return risks, err
}

// guardMargin checks the liquidation guard. Warning blocks new entries for
// this tick; critical additionally force-closes the largest position.
func (s *Service) guardMargin(ctx context.Context, account *ports.AccountState) bool {
	level := s.admission.AssessMargin(account.MaintenanceMargin, account.MarginBalance)
	switch level {
	case risk.MarginNormal:
		return false
	case risk.MarginWarning:
		s.logger.Warn(ctx, "Margin ratio in warning band, blocking new entries", map[string]interface{}{
			"maintenanceMargin": account.MaintenanceMargin, "marginBalance": account.MarginBalance,
		})
		s.notify("margin_warning", "", "margin ratio in warning band, new entries blocked", map[string]interface{}{
			"maintenanceMargin": account.MaintenanceMargin, "marginBalance": account.MarginBalance,
		})
		return true
	default:
		s.notify("margin_critical", "", "margin ratio critical, force-closing exposure", nil)
		positions := make(map[string]*domain.Position)
		for _, p := range s.ledger.OpenPositions() {
			positions[p.Symbol] = p
		}
		for _, candidate := range risk.ForceCloseCandidates(positions) {
			if !candidate.IsOpen() {
				continue
			}
			if err := s.closePosition(ctx, candidate.Symbol, domain.CloseReasonLiquidation); err != nil {
				s.logger.Error(ctx, err, "Liquidation-guard close failed", map[string]interface{}{"symbol": candidate.Symbol})
				continue
			}
			// Largest notional first; one close per tick, then reassess.
			break
		}
		return true
	}
}

// fetchSnapshots pulls ticker, klines and funding for every symbol with
// bounded parallelism, going through the market-data breaker and cache.
func (s *Service) fetchSnapshots(ctx context.Context) map[string]*domain.MarketSnapshot {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.cfg.FetchConcurrency)
		snapshots = make(map[string]*domain.MarketSnapshot)
	)

	for _, symbol := range s.cfg.Symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			snap, err := s.fetchSnapshot(ctx, symbol)
			if err != nil {
				s.logger.Warn(ctx, "Market data unavailable for symbol", map[string]interface{}{
					"symbol": symbol, "error": err.Error(),
				})
				return
			}
			mu.Lock()
			snapshots[symbol] = snap
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return snapshots
}

func (s *Service) fetchSnapshot(ctx context.Context, symbol string) (*domain.MarketSnapshot, error) {
	ticker, err := s.getTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var klines []*domain.Kline
	err = s.admission.Call(ctx, risk.BreakerMarketData, func(ctx context.Context) error {
		var err error
		klines, err = s.exchange.GetKlines(ctx, symbol, s.cfg.KlineInterval, s.cfg.KlineLimit)
		return err
	})
	if err != nil {
		return nil, err
	}

	atr, err := indicators.ATR(klines, s.cfg.ATRPeriod)
	if err != nil {
		atr = 0 // protective levels fall back to fixed percentages
	}

	snap := &domain.MarketSnapshot{
		Ticker:   *ticker,
		Klines:   klines,
		ATR:      atr,
		Momentum: indicators.Momentum(klines, s.cfg.MomentumPeriod),
	}
	if funding, err := s.getFundingRate(ctx, symbol); err == nil {
		snap.Funding = funding
	}
	return snap, nil
}

func (s *Service) getTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	if s.cache != nil {
		if ticker, ok := s.cache.GetTicker(ctx, symbol); ok {
			return ticker, nil
		}
	}
	var ticker *domain.Ticker
	err := s.admission.Call(ctx, risk.BreakerMarketData, func(ctx context.Context) error {
		var err error
		ticker, err = s.exchange.GetTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetTicker(ctx, ticker, s.cfg.TickerTTL)
	}
	return ticker, nil
}

func (s *Service) getFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	if s.cache != nil {
		if rate, ok := s.cache.GetFundingRate(ctx, symbol); ok {
			return rate, nil
		}
	}
	var rate *domain.FundingRate
	err := s.admission.Call(ctx, risk.BreakerMarketData, func(ctx context.Context) error {
		var err error
		rate, err = s.exchange.GetFundingRate(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetFundingRate(ctx, rate, s.cfg.FundingTTL)
	}
	return rate, nil
}

// fundingAgainst reports whether holding side through the imminent funding
// settlement would pay a rate above the entry threshold. Positive funding
// charges longs, negative charges shorts.
func (s *Service) fundingAgainst(snap *domain.MarketSnapshot, side domain.OrderSide) bool {
	if snap == nil || snap.Funding == nil {
		return false
	}
	rate := snap.Funding.Rate
	if math.Abs(rate) < s.cfg.FundingEntryThreshold {
		return false
	}
	window := time.Until(snap.Funding.NextFundingTime)
	if window <= 0 || window > s.cfg.FundingBlockWindow {
		return false
	}
	return (rate > 0 && side == domain.Buy) || (rate < 0 && side == domain.Sell)
}

// managePositions marks prices and runs the exit and trailing rules for every
// open position.
func (s *Service) managePositions(ctx context.Context, snapshots map[string]*domain.MarketSnapshot) {
	for _, pos := range s.ledger.OpenPositions() {
		snap, ok := snapshots[pos.Symbol]
		if !ok || !pos.IsOpen() {
			continue
		}
		price := snap.Ticker.Last
		s.ledger.MarkPrice(pos.Symbol, price)

		if reason, exit := s.ledger.EvaluateExit(pos.Symbol, price); exit {
			if err := s.closePosition(ctx, pos.Symbol, reason); err != nil {
				s.logger.Error(ctx, err, "Exit close failed", map[string]interface{}{
					"symbol": pos.Symbol, "reason": reason,
				})
			}
			continue
		}
		s.ledger.ApplyTrailing(ctx, pos.Symbol, price)
	}
}

// evaluateAgents runs every agent over every snapshot in parallel, each call
// bounded by AgentTimeout and isolated: a panicking or failing agent loses
// its vote, nothing else.
func (s *Service) evaluateAgents(ctx context.Context, snapshots map[string]*domain.MarketSnapshot) {
	var wg sync.WaitGroup
	for _, agent := range s.agents {
		for symbol, snap := range snapshots {
			wg.Add(1)
			go func(agent ports.Agent, symbol string, snap *domain.MarketSnapshot) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error(ctx, fmt.Errorf("agent panic: %v", r), "Agent evaluation panicked", map[string]interface{}{
							"agent": agent.ID(), "symbol": symbol,
						})
					}
				}()

				evalCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
				defer cancel()

				history, err := s.tradeRepo.FindBySymbol(evalCtx, symbol, s.cfg.TradeHistoryDepth)
				if err != nil {
					history = nil
				}
				sig, err := agent.Evaluate(evalCtx, symbol, snap, history)
				if err != nil {
					s.logger.Warn(ctx, "Agent evaluation failed", map[string]interface{}{
						"agent": agent.ID(), "symbol": symbol, "error": err.Error(),
					})
					return
				}
				if sig == nil {
					return
				}
				if err := s.consensus.SubmitSignal(sig); err != nil {
					s.logger.Warn(ctx, "Signal rejected", map[string]interface{}{
						"agent": agent.ID(), "symbol": symbol, "error": err.Error(),
					})
					return
				}
				s.metrics.ObserveSignal(agent.ID())
			}(agent, symbol, snap)
		}
	}
	wg.Wait()
}

// actOnVotes conducts one vote per pending symbol and routes the winning kind
// through flip, exit, scale-in or admission-gated entry.
func (s *Service) actOnVotes(ctx context.Context, snapshots map[string]*domain.MarketSnapshot, entriesBlocked bool) {
	for _, symbol := range s.consensus.PendingSymbols() {
		result, ok := s.consensus.ConductVote(symbol)
		if !ok {
			continue
		}
		s.metrics.ObserveVote(symbol, string(result.WinningKind))

		if result.ConsensusConfidence < s.cfg.MinConsensusConfidence || result.AgreementLevel < s.cfg.MinAgreement {
			s.logger.Debug(ctx, "Vote below action thresholds", map[string]interface{}{
				"symbol": symbol, "confidence": result.ConsensusConfidence, "agreement": result.AgreementLevel,
			})
			continue
		}

		snap, hasSnap := snapshots[symbol]
		pos, hasPos := s.ledger.Position(symbol)

		// A strong opposite-side entry closes the open position first.
		if hasPos && s.ledger.ShouldFlip(symbol, result.WinningKind, result.ConsensusConfidence) {
			if err := s.closePosition(ctx, symbol, domain.CloseReasonSignalFlip); err != nil {
				s.logger.Error(ctx, err, "Flip close failed", map[string]interface{}{"symbol": symbol})
			}
			continue
		}

		if !result.WinningKind.IsEntry() {
			// Exit consensus for the side we hold.
			if hasPos && pos.IsOpen() && result.WinningKind.Side() == pos.Side.Opposite() {
				if err := s.closePosition(ctx, symbol, domain.CloseReasonSignalFlip); err != nil {
					s.logger.Error(ctx, err, "Consensus exit failed", map[string]interface{}{"symbol": symbol})
				}
			}
			continue
		}

		if !hasSnap {
			continue
		}
		side := result.WinningKind.Side()

		// Same-direction consensus on an open position may scale in.
		if hasPos {
			if s.ledger.CanScaleIn(symbol, side, result.ConsensusConfidence) {
				s.scaleIn(ctx, symbol, snap.Ticker.Last)
			}
			continue
		}

		if entriesBlocked {
			continue
		}
		if s.fundingAgainst(snap, side) {
			s.logger.Debug(ctx, "Entry skipped, funding charges this direction at settlement", map[string]interface{}{
				"symbol": symbol, "side": side, "fundingRate": snap.Funding.Rate,
			})
			continue
		}
		s.openPosition(ctx, openRequest{
			symbol:     symbol,
			side:       side,
			price:      snap.Ticker.Last,
			atr:        snap.ATR,
			confidence: result.ConsensusConfidence,
			thesis:     result.Reasoning,
			agentID:    dominantAgent(result),
			origin:     "consensus",
		})
	}
}

// dominantAgent picks the first (alphabetical) agent that voted the winning
// kind; its daily-loss book absorbs the position's outcome.
func dominantAgent(result *domain.ConsensusResult) string {
	best := ""
	for agentID, kind := range result.AgentVotes {
		if kind != result.WinningKind {
			continue
		}
		if best == "" || agentID < best {
			best = agentID
		}
	}
	return best
}

// sweepReEntries fires triggered re-entry intents back through admission.
func (s *Service) sweepReEntries(ctx context.Context, snapshots map[string]*domain.MarketSnapshot, entriesBlocked bool) {
	prices := make(map[string]float64, len(snapshots))
	momentum := make(map[string]float64, len(snapshots))
	for symbol, snap := range snapshots {
		prices[symbol] = snap.Ticker.Last
		momentum[symbol] = snap.Momentum
	}

	for _, trigger := range s.reentry.CheckTriggers(prices, momentum) {
		s.metrics.ObserveReEntry(trigger.Cause)
		s.notify("reentry_trigger", trigger.Intent.Symbol, "re-entry intent triggered", map[string]interface{}{
			"cause": trigger.Cause, "price": trigger.Price, "confidence": trigger.Confidence,
		})
		if entriesBlocked || s.ledger.HasPosition(trigger.Intent.Symbol) {
			continue
		}
		snap, hasSnap := snapshots[trigger.Intent.Symbol]
		if hasSnap && s.fundingAgainst(snap, trigger.Intent.Direction) {
			continue
		}
		var atr float64
		if hasSnap {
			atr = snap.ATR
		}
		s.openPosition(ctx, openRequest{
			symbol:     trigger.Intent.Symbol,
			side:       trigger.Intent.Direction,
			price:      trigger.Price,
			atr:        atr,
			confidence: trigger.Confidence,
			thesis:     "re-entry: " + trigger.Intent.OriginalThesis,
			agentID:    trigger.Intent.OwningAgentID,
			origin:     "reentry",
		})
	}
}

// scanArbitrage publishes scanner findings; funding carries are the only kind
// executed directly, through the same admission path as any other entry.
func (s *Service) scanArbitrage(ctx context.Context, snapshots map[string]*domain.MarketSnapshot, entriesBlocked bool) {
	prices := make(map[string]float64, len(snapshots))
	funding := make(map[string]*domain.FundingRate, len(snapshots))
	for symbol, snap := range snapshots {
		prices[symbol] = snap.Ticker.Last
		if snap.Funding != nil {
			funding[symbol] = snap.Funding
		}
	}

	for _, opp := range s.scanner.Scan(prices, funding) {
		s.metrics.ObserveArbitrage(string(opp.Kind))
		s.notify("arbitrage_"+string(opp.Kind), opp.Symbols[0], "arbitrage opportunity detected", map[string]interface{}{
			"symbols": opp.Symbols, "expectedProfitPct": opp.ExpectedProfitPct, "confidence": opp.Confidence,
		})

		if opp.Kind != domain.ArbitrageFunding || entriesBlocked {
			continue
		}
		symbol := opp.Symbols[0]
		if s.ledger.HasPosition(symbol) {
			continue
		}
		snap, ok := snapshots[symbol]
		if !ok {
			continue
		}
		s.openPosition(ctx, openRequest{
			symbol:     symbol,
			side:       domain.OrderSide(opp.Metadata["side"]),
			price:      snap.Ticker.Last,
			atr:        snap.ATR,
			confidence: opp.Confidence,
			thesis:     "funding carry: " + opp.Metadata["funding_rate"],
			origin:     "arbitrage",
		})
	}
}

type openRequest struct {
	symbol     string
	side       domain.OrderSide
	price      float64
	atr        float64
	confidence float64
	thesis     string
	agentID    string
	origin     string
}

// openPosition pushes an entry through admission control and, when admitted,
// places the order and registers the pending position.
func (s *Service) openPosition(ctx context.Context, req openRequest) {
	if req.price <= 0 {
		return
	}
	notional := s.lastBalance * s.cfg.BaseOrderPct
	if req.origin == "arbitrage" {
		// Opportunistic carries size down with scanner confidence.
		notional *= req.confidence
	}
	decision := s.admission.CheckAdmission(risk.Request{
		Symbol:   req.symbol,
		AgentID:  req.agentID,
		Side:     req.side,
		Notional: notional,
		Origin:   req.origin,
	}, risk.PortfolioState{
		Balance:       s.lastBalance,
		OpenPositions: s.ledger.OpenCount(),
		TotalExposure: s.ledger.TotalExposure(),
	})
	s.metrics.ObserveAdmission(decision.Gate, decision.Allowed)
	if !decision.Allowed {
		s.logger.Info(ctx, "Entry rejected by admission control", map[string]interface{}{
			"symbol": req.symbol, "gate": decision.Gate, "reason": decision.Reason, "origin": req.origin,
		})
		return
	}

	qty := decision.Notional / req.price
	pos := &domain.Position{
		Symbol:        req.symbol,
		Side:          req.side,
		Quantity:      qty,
		BaseQuantity:  qty,
		EntryPrice:    req.price,
		CurrentPrice:  req.price,
		OwningAgentID: req.agentID,
		Thesis:        req.thesis,
		ATRAtEntry:    req.atr,
		ClientOrderID: "qb-" + uuid.NewString(),
	}
	if err := s.ledger.BeginOpen(ctx, pos); err != nil {
		s.logger.Warn(ctx, "Entry refused by ledger", map[string]interface{}{"symbol": req.symbol, "error": err.Error()})
		return
	}

	var order *ports.OrderResponse
	err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		var err error
		order, err = s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        req.symbol,
			Side:          req.side,
			Type:          domain.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: pos.ClientOrderID,
		})
		return err
	})
	if err != nil {
		s.logger.Error(ctx, err, "Entry order failed", map[string]interface{}{"symbol": req.symbol})
		s.ledger.DiscardPending(ctx, req.symbol)
		return
	}
	if !order.Filled() {
		// Leave the position pending; reconciliation settles it.
		s.logger.Warn(ctx, "Entry order not yet filled", map[string]interface{}{
			"symbol": req.symbol, "status": order.Status,
		})
		return
	}

	fill := order.AvgPrice
	if fill <= 0 {
		fill = req.price
	}
	if err := s.ledger.ConfirmOpen(ctx, req.symbol, fill, order.ExecutedQty, req.atr); err != nil {
		s.logger.Error(ctx, err, "Failed to confirm opened position", map[string]interface{}{"symbol": req.symbol})
		return
	}
	s.entryConf[req.symbol] = req.confidence
	s.notify("position_opened", req.symbol, req.thesis, map[string]interface{}{
		"side": req.side, "qty": order.ExecutedQty, "entry": fill, "origin": req.origin,
	})
}

// scaleIn adds one base quantity to an open position at market.
func (s *Service) scaleIn(ctx context.Context, symbol string, price float64) {
	pos, ok := s.ledger.Position(symbol)
	if !ok || !pos.IsOpen() || price <= 0 {
		return
	}

	qty := pos.BaseQuantity
	var order *ports.OrderResponse
	err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		var err error
		order, err = s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        symbol,
			Side:          pos.Side,
			Type:          domain.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: "qb-" + uuid.NewString(),
		})
		return err
	})
	if err != nil || order == nil || !order.Filled() {
		s.logger.Warn(ctx, "Scale-in order failed or unfilled", map[string]interface{}{"symbol": symbol})
		return
	}

	fill := order.AvgPrice
	if fill <= 0 {
		fill = price
	}
	if err := s.ledger.ScaleIn(ctx, symbol, order.ExecutedQty, fill); err != nil {
		s.logger.Error(ctx, err, "Failed to record scale-in", map[string]interface{}{"symbol": symbol})
	}
}

// closePosition drives the full close path: pending-close, cancel protective
// orders, reduce-only market exit, settlement, feedback, and a re-entry
// intent when the position was forced out.
func (s *Service) closePosition(ctx context.Context, symbol string, reason domain.CloseReason) error {
	pos, ok := s.ledger.Position(symbol)
	if !ok || !pos.IsOpen() {
		return fmt.Errorf("symbol %s: %w", symbol, ports.ErrNoOpenPosition)
	}
	if err := s.ledger.BeginClose(ctx, symbol, reason); err != nil {
		return err
	}

	if err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		return s.exchange.CancelAll(ctx, symbol)
	}); err != nil {
		s.logger.Warn(ctx, "Failed to cancel open orders before close", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
	}

	var order *ports.OrderResponse
	err := s.admission.Call(ctx, risk.BreakerExchange, func(ctx context.Context) error {
		var err error
		order, err = s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        symbol,
			Side:          pos.Side.Opposite(),
			Type:          domain.OrderTypeMarket,
			Quantity:      pos.Quantity,
			ClientOrderID: "qb-" + uuid.NewString(),
			ReduceOnly:    true,
		})
		return err
	})
	if err != nil {
		s.ledger.AbortClose(ctx, symbol)
		return fmt.Errorf("close order failed for %s: %w", symbol, err)
	}
	if !order.Filled() {
		// Stay pending-close; reconciliation settles once the exchange is flat.
		return nil
	}

	exit := order.AvgPrice
	if exit <= 0 {
		exit = pos.CurrentPrice
	}
	trade, err := s.ledger.ConfirmClose(ctx, symbol, exit)
	if err != nil {
		return err
	}
	s.settleTrade(ctx, trade, pos)
	return nil
}

// settleTrade propagates a realized outcome into weights, daily-loss books,
// metrics and, for forced exits, the re-entry scheduler.
func (s *Service) settleTrade(ctx context.Context, trade *domain.Trade, pos *domain.Position) {
	s.metrics.AddRealizedPnL(trade.PNL)

	if trade.OwningAgentID != "" {
		s.consensus.UpdateFeedback(trade.OwningAgentID, trade.PNL)
		s.admission.RecordAgentPnL(trade.OwningAgentID, trade.PNL, s.agentAllocation())
		if s.admission.AgentBreached(trade.OwningAgentID) {
			s.notify("daily_loss_breach", trade.Symbol, "agent daily loss limit breached", map[string]interface{}{
				"agent": trade.OwningAgentID, "dailyPnL": s.admission.DailyPnL(trade.OwningAgentID),
			})
		}
	}

	confidence := s.entryConf[trade.Symbol]
	delete(s.entryConf, trade.Symbol)

	if trade.CloseReason.ForcedOut() && pos.ATRAtEntry > 0 {
		if confidence <= 0 {
			confidence = 0.6
		}
		s.reentry.QueueReEntry(trade.Symbol, trade.Side, pos.StopLoss, pos.ATRAtEntry, confidence, pos.Thesis, trade.OwningAgentID)
	}

	s.notify("position_closed", trade.Symbol, string(trade.CloseReason), map[string]interface{}{
		"pnl": trade.PNL, "exit": trade.ExitPrice, "agent": trade.OwningAgentID,
	})
}

// agentAllocation is the margin slice backing one agent's daily-loss limit.
func (s *Service) agentAllocation() float64 {
	if len(s.agents) == 0 {
		return s.lastBalance
	}
	return s.lastBalance / float64(len(s.agents))
}

func (s *Service) notify(eventType, symbol, message string, fields map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ports.Event{
		Type:      eventType,
		Symbol:    symbol,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	})
}

// publishStatus refreshes the snapshot served by the HTTP API.
func (s *Service) publishStatus() {
	paused, _ := s.admission.Paused()
	breakers := make(map[string]string)
	for name, state := range s.admission.BreakerStates() {
		breakers[name] = string(state)
	}

	dailyPnL := make(map[string]float64, len(s.agents))
	for _, agent := range s.agents {
		dailyPnL[agent.ID()] = s.admission.DailyPnL(agent.ID())
	}

	open := s.ledger.OpenPositions()
	s.metrics.SetLedgerState(s.ledger.OpenCount(), s.ledger.TotalExposure())

	s.statusMu.Lock()
	s.status = api.Status{
		Timestamp:     time.Now(),
		Paused:        paused,
		Balance:       s.lastBalance,
		TotalExposure: s.ledger.TotalExposure(),
		OpenPositions: open,
		Breakers:      breakers,
		ReEntryQueue:  s.reentry.Pending(),
		AgentWeights:  s.consensus.Weights(),
		DailyPnL:      dailyPnL,
	}
	s.statusMu.Unlock()
}
