package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    string
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}

// Ticker is a point-in-time market snapshot for one symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Timestamp time.Time
}

// FundingRate carries the current funding state of a perpetual symbol.
type FundingRate struct {
	Symbol          string
	Rate            float64 // per funding interval (8h)
	NextFundingTime time.Time
}

// MarketSnapshot bundles the per-symbol data handed to agents for evaluation.
type MarketSnapshot struct {
	Ticker   Ticker
	Klines   []*Kline
	ATR      float64
	Momentum float64 // [-1,1], positive favours longs
	Funding  *FundingRate
}
