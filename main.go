package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quorumbot/config"
	"quorumbot/internal/adapters/binanceclient"
	"quorumbot/internal/adapters/logger"
	"quorumbot/internal/adapters/marketcache"
	"quorumbot/internal/adapters/notify"
	"quorumbot/internal/adapters/sqlite"
	"quorumbot/internal/agents"
	"quorumbot/internal/api"
	"quorumbot/internal/app"
	"quorumbot/internal/arbitrage"
	"quorumbot/internal/consensus"
	"quorumbot/internal/ledger"
	"quorumbot/internal/obs"
	"quorumbot/internal/ports"
	"quorumbot/internal/reentry"
	"quorumbot/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Optional adapters: Redis market cache and Kafka notifications.
	var cache ports.MarketCache
	if cfg.RedisAddr != "" {
		redisCache, err := marketcache.New(context.Background(), marketcache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Redis market cache")
			log.Fatalf("FATAL: Failed to initialize Redis market cache: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
	}

	var notifier ports.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(notify.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Logger:  appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Kafka notifier")
			log.Fatalf("FATAL: Failed to initialize Kafka notifier: %v", err)
		}
		notifier = kafkaNotifier
	}

	// 6. Metrics
	metrics := obs.NewMetrics()

	// 7. Core: consensus, admission, ledger, re-entry, arbitrage, agents.
	engine, err := consensus.NewEngine(consensus.Config{Logger: appLogger, PreferEntryOnTie: true})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize consensus engine")
		log.Fatalf("FATAL: Failed to initialize consensus engine: %v", err)
	}

	admission, err := risk.NewController(risk.AdmissionConfig{
		Logger:                 appLogger,
		MaxConcurrentPositions: cfg.MaxConcurrentPositions,
		MaxTotalExposure:       cfg.MaxTotalExposure,
		MaxPositionSize:        cfg.MaxPositionSize,
		MaxDailyLossPct:        cfg.MaxDailyLossPct,
		Breaker: risk.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			CallTimeout:      cfg.BreakerCallTimeout,
		},
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize admission controller")
		log.Fatalf("FATAL: Failed to initialize admission controller: %v", err)
	}
	admission.SetBreakerHook(func(name string, from, to risk.BreakerState) {
		metrics.ObserveBreaker(name, string(to))
		if notifier != nil {
			notifier.Publish(ports.Event{
				Type:    "breaker_transition",
				Message: fmt.Sprintf("breaker %s: %s -> %s", name, from, to),
				Fields:  map[string]interface{}{"breaker": name, "from": string(from), "to": string(to)},
			})
		}
	})

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.Logger = appLogger
	ledgerCfg.PosRepo = repo
	ledgerCfg.TradeRepo = repo
	posLedger, err := ledger.New(ledgerCfg)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position ledger")
		log.Fatalf("FATAL: Failed to initialize position ledger: %v", err)
	}

	reentryCfg := reentry.DefaultConfig()
	reentryCfg.Logger = appLogger
	scheduler, err := reentry.New(reentryCfg)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize re-entry scheduler")
		log.Fatalf("FATAL: Failed to initialize re-entry scheduler: %v", err)
	}

	scannerCfg := arbitrage.DefaultConfig()
	scannerCfg.Logger = appLogger
	scannerCfg.FundingThreshold = cfg.FundingThreshold
	scannerCfg.TriangularThreshold = cfg.TriangularThreshold
	scannerCfg.FeePerLeg = cfg.FeePerLeg
	scanner, err := arbitrage.New(scannerCfg)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize arbitrage scanner")
		log.Fatalf("FATAL: Failed to initialize arbitrage scanner: %v", err)
	}

	momentumAgent, err := agents.NewMomentumAgent(agents.MomentumConfig{ID: "momentum-1"})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize momentum agent")
		log.Fatalf("FATAL: Failed to initialize momentum agent: %v", err)
	}
	meanRevAgent, err := agents.NewMeanReversionAgent(agents.MeanReversionConfig{ID: "meanrev-1"})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize mean-reversion agent")
		log.Fatalf("FATAL: Failed to initialize mean-reversion agent: %v", err)
	}

	// 8. Orchestrator
	service, err := app.New(app.Config{
		Symbols:                cfg.Symbols,
		TickInterval:           cfg.TickInterval,
		KlineInterval:          cfg.KlineInterval,
		KlineLimit:             cfg.KlineLimit,
		BaseOrderPct:           cfg.BaseOrderPct,
		MinConsensusConfidence: cfg.MinConsensusConfidence,
		MinAgreement:           cfg.MinAgreement,
		CloseOnShutdown:        cfg.CloseOnShutdown,
	}, app.Deps{
		Logger:    appLogger,
		Exchange:  binanceClient,
		TradeRepo: repo,
		Cache:     cache,
		Notifier:  notifier,
		Metrics:   metrics,
		Consensus: engine,
		Admission: admission,
		Ledger:    posLedger,
		ReEntry:   scheduler,
		Scanner:   scanner,
		Agents:    []ports.Agent{momentumAgent, meanRevAgent},
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution core")
		log.Fatalf("FATAL: Failed to initialize execution core: %v", err)
	}

	// 9. HTTP API
	handler := api.NewHandler(service, admission, binanceClient, appLogger)
	router := api.SetupRoutes(handler, metrics.Registry())
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info(context.Background(), "HTTP API listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(context.Background(), err, "HTTP server failed")
		}
	}()

	// 10. Run until interrupted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := service.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(context.Background(), err, "HTTP server shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		appLogger.Error(context.Background(), runErr, "Execution core exited with error")
		os.Exit(1)
	}
	appLogger.Info(context.Background(), "Shutdown complete")
}
