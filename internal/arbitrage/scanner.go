package arbitrage

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// fundingIntervalsPerDay is the number of 8h funding settlements per day.
const fundingIntervalsPerDay = 3

// CrossPair configures one correlated pair for the cross-symbol scan.
type CrossPair struct {
	LongCandidate  string  // symbol expected to trade ExpectedRatio times the other
	ShortCandidate string
	ExpectedRatio  float64 // historical price ratio LongCandidate/ShortCandidate
}

// Config holds configuration for the opportunity scanner.
type Config struct {
	Logger ports.Logger

	// FundingThreshold is the per-interval |funding rate| above which a carry
	// position is worth holding, e.g. 0.0003 (0.03% per 8h).
	FundingThreshold float64
	// TriangularThreshold is the minimum round-trip edge after fees, as a
	// fraction, e.g. 0.003.
	TriangularThreshold float64
	// FeePerLeg is the taker fee charged on each conversion leg.
	FeePerLeg float64
	// CrossThreshold is the minimum relative ratio divergence, e.g. 0.02.
	CrossThreshold float64

	// BaseCurrencies are the pivots for the triangular scan.
	BaseCurrencies []string
	// CrossPairs are the configured correlated pairs.
	CrossPairs []CrossPair

	Now func() time.Time
}

// DefaultConfig returns the production scan thresholds.
func DefaultConfig() Config {
	return Config{
		FundingThreshold:    0.0003,
		TriangularThreshold: 0.003,
		FeePerLeg:           0.001,
		CrossThreshold:      0.02,
		BaseCurrencies:      []string{"BTC", "ETH", "BNB"},
	}
}

// Scanner runs the funding, triangular and cross-symbol scans over the
// latest market snapshot. Opportunities compete for capital through the same
// admission controller as consensus decisions.
type Scanner struct {
	cfg    Config
	logger ports.Logger
	now    func() time.Time
}

// New creates an opportunity scanner.
func New(cfg Config) (*Scanner, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for opportunity scanner")
	}
	def := DefaultConfig()
	if cfg.FundingThreshold <= 0 {
		cfg.FundingThreshold = def.FundingThreshold
	}
	if cfg.TriangularThreshold <= 0 {
		cfg.TriangularThreshold = def.TriangularThreshold
	}
	if cfg.FeePerLeg < 0 {
		cfg.FeePerLeg = def.FeePerLeg
	}
	if cfg.CrossThreshold <= 0 {
		cfg.CrossThreshold = def.CrossThreshold
	}
	if len(cfg.BaseCurrencies) == 0 {
		cfg.BaseCurrencies = def.BaseCurrencies
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scanner{cfg: cfg, logger: cfg.Logger, now: now}, nil
}

// Scan runs all three scans and returns the merged findings sorted by
// expected profit, best first.
func (s *Scanner) Scan(prices map[string]float64, funding map[string]*domain.FundingRate) []domain.ArbitrageOpportunity {
	var out []domain.ArbitrageOpportunity
	out = append(out, s.scanFunding(funding)...)
	out = append(out, s.scanTriangular(prices)...)
	out = append(out, s.scanCross(prices)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpectedProfitPct != out[j].ExpectedProfitPct {
			return out[i].ExpectedProfitPct > out[j].ExpectedProfitPct
		}
		return out[i].Symbols[0] < out[j].Symbols[0]
	})
	return out
}

// scanFunding flags symbols whose funding rate pays for holding the opposite
// side: positive funding pays shorts, negative pays longs.
func (s *Scanner) scanFunding(funding map[string]*domain.FundingRate) []domain.ArbitrageOpportunity {
	symbols := make([]string, 0, len(funding))
	for symbol := range funding {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var out []domain.ArbitrageOpportunity
	for _, symbol := range symbols {
		rate := funding[symbol]
		if rate == nil || math.Abs(rate.Rate) <= s.cfg.FundingThreshold {
			continue
		}
		side := domain.Sell
		if rate.Rate < 0 {
			side = domain.Buy
		}
		annualized := math.Abs(rate.Rate) * fundingIntervalsPerDay * 365
		window := rate.NextFundingTime.Sub(s.now())
		if window <= 0 {
			window = 8 * time.Hour
		}
		out = append(out, domain.ArbitrageOpportunity{
			Kind:              domain.ArbitrageFunding,
			Symbols:           []string{symbol},
			EntryPrices:       map[string]float64{},
			ExpectedProfitPct: annualized * 100,
			Confidence:        s.confidence(math.Abs(rate.Rate) / s.cfg.FundingThreshold),
			ExecutionWindow:   window,
			Metadata: map[string]string{
				"side":         string(side),
				"funding_rate": fmt.Sprintf("%.6f", rate.Rate),
			},
			DetectedAt: s.now(),
		})
	}
	return out
}

// scanTriangular walks USDT -> base -> other -> USDT for every pair quoted in
// one of the configured base currencies. The multiplicative chain runs on
// decimals so fee-sized edges are not lost to float drift.
func (s *Scanner) scanTriangular(prices map[string]float64) []domain.ArbitrageOpportunity {
	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	feeKeep := decimal.NewFromFloat(1 - s.cfg.FeePerLeg)
	var out []domain.ArbitrageOpportunity
	for _, base := range s.cfg.BaseCurrencies {
		basePrice, ok := prices[base+"USDT"]
		if !ok || basePrice <= 0 {
			continue
		}
		for _, symbol := range symbols {
			other, ok := strings.CutSuffix(symbol, base)
			if !ok || other == "" || other == base {
				continue
			}
			crossPrice := prices[symbol]
			otherPrice, ok := prices[other+"USDT"]
			if !ok || crossPrice <= 0 || otherPrice <= 0 {
				continue
			}

			// 1 USDT -> 1/basePrice base -> /crossPrice other -> *otherPrice USDT,
			// paying the taker fee on each leg.
			roundTrip := decimal.NewFromInt(1).
				Div(decimal.NewFromFloat(basePrice)).Mul(feeKeep).
				Div(decimal.NewFromFloat(crossPrice)).Mul(feeKeep).
				Mul(decimal.NewFromFloat(otherPrice)).Mul(feeKeep)

			edge, _ := roundTrip.Sub(decimal.NewFromInt(1)).Float64()
			if edge <= s.cfg.TriangularThreshold {
				continue
			}
			out = append(out, domain.ArbitrageOpportunity{
				Kind:    domain.ArbitrageTriangular,
				Symbols: []string{base + "USDT", symbol, other + "USDT"},
				EntryPrices: map[string]float64{
					base + "USDT":  basePrice,
					symbol:         crossPrice,
					other + "USDT": otherPrice,
				},
				ExpectedProfitPct: edge * 100,
				Confidence:        s.confidence(edge / s.cfg.TriangularThreshold),
				ExecutionWindow:   10 * time.Second,
				Metadata: map[string]string{
					"base":  base,
					"route": fmt.Sprintf("USDT->%s->%s->USDT", base, other),
				},
				DetectedAt: s.now(),
			})
		}
	}
	return out
}

// scanCross compares the live price ratio of configured correlated pairs to
// the expected ratio and proposes long-the-undervalued / short-the-overvalued
// when the divergence exceeds the threshold.
func (s *Scanner) scanCross(prices map[string]float64) []domain.ArbitrageOpportunity {
	var out []domain.ArbitrageOpportunity
	for _, pair := range s.cfg.CrossPairs {
		a, okA := prices[pair.LongCandidate]
		b, okB := prices[pair.ShortCandidate]
		if !okA || !okB || a <= 0 || b <= 0 || pair.ExpectedRatio <= 0 {
			continue
		}
		ratio := a / b
		divergence := ratio/pair.ExpectedRatio - 1
		if math.Abs(divergence) <= s.cfg.CrossThreshold {
			continue
		}

		longLeg, shortLeg := pair.LongCandidate, pair.ShortCandidate
		if divergence > 0 {
			// The first leg is rich: short it, long the other.
			longLeg, shortLeg = pair.ShortCandidate, pair.LongCandidate
		}
		out = append(out, domain.ArbitrageOpportunity{
			Kind:    domain.ArbitrageCrossSymbol,
			Symbols: []string{longLeg, shortLeg},
			EntryPrices: map[string]float64{
				pair.LongCandidate:  a,
				pair.ShortCandidate: b,
			},
			ExpectedProfitPct: math.Abs(divergence) * 100,
			Confidence:        s.confidence(math.Abs(divergence) / s.cfg.CrossThreshold),
			ExecutionWindow:   5 * time.Minute,
			Metadata: map[string]string{
				"long":           longLeg,
				"short":          shortLeg,
				"ratio":          fmt.Sprintf("%.6f", ratio),
				"expected_ratio": fmt.Sprintf("%.6f", pair.ExpectedRatio),
			},
			DetectedAt: s.now(),
		})
	}
	return out
}

// confidence maps how far past its threshold a finding sits onto [0.5, 0.95].
func (s *Scanner) confidence(edgeRatio float64) float64 {
	c := 0.5 + 0.1*(edgeRatio-1)
	if c > 0.95 {
		return 0.95
	}
	if c < 0.5 {
		return 0.5
	}
	return c
}
