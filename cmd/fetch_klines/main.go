package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"quorumbot/config"
	"quorumbot/internal/adapters/binanceclient"
	"quorumbot/internal/adapters/logger"
	"quorumbot/internal/utils"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "symbol to fetch")
	interval := flag.String("interval", "1m", "kline interval")
	limit := flag.Int("limit", 500, "number of candles")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)

	// 3. Initialize Exchange Client (Binance Adapter)
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

	klines, err := binanceClient.GetKlines(context.Background(), *symbol, *interval, *limit)
	if err != nil {
		appLogger.Error(context.Background(), err, "Error fetching klines")
		log.Fatalf("Error fetching klines: %v", err)
	}
	appLogger.Info(context.Background(), "Fetched klines", map[string]interface{}{"symbol": *symbol, "count": len(klines)})

	filename := fmt.Sprintf("data/%s_%s_%s.csv", *symbol, *interval, time.Now().Format("20060102_150405"))
	if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
		appLogger.Error(context.Background(), err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Saved klines", map[string]interface{}{"filename": filename})
}
