package domain

import "time"

// ArbitrageKind classifies the scan that produced an opportunity.
type ArbitrageKind string

const (
	ArbitrageFunding     ArbitrageKind = "funding"
	ArbitrageTriangular  ArbitrageKind = "triangular"
	ArbitrageCrossSymbol ArbitrageKind = "cross_symbol"
)

// ArbitrageOpportunity is a scanner finding that competes for capital through
// the same admission path as agent consensus decisions.
type ArbitrageOpportunity struct {
	Kind              ArbitrageKind
	Symbols           []string
	EntryPrices       map[string]float64
	ExpectedProfitPct float64
	Confidence        float64
	ExecutionWindow   time.Duration
	Metadata          map[string]string
	DetectedAt        time.Time
}
