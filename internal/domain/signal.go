package domain

import "time"

// SignalKind classifies what an agent proposes for a symbol.
type SignalKind string

const (
	SignalEntryLong  SignalKind = "ENTRY_LONG"
	SignalEntryShort SignalKind = "ENTRY_SHORT"
	SignalExitLong   SignalKind = "EXIT_LONG"
	SignalExitShort  SignalKind = "EXIT_SHORT"
)

// Side maps a signal kind onto the order side it implies.
// Entering long and exiting short both buy; entering short and exiting long both sell.
func (k SignalKind) Side() OrderSide {
	switch k {
	case SignalEntryLong, SignalExitShort:
		return Buy
	default:
		return Sell
	}
}

// IsEntry reports whether the kind opens new exposure.
func (k SignalKind) IsEntry() bool {
	return k == SignalEntryLong || k == SignalEntryShort
}

// AgentKind identifies the family a signal producer belongs to.
type AgentKind string

const (
	AgentKindMomentum      AgentKind = "momentum"
	AgentKindMeanReversion AgentKind = "mean_reversion"
	AgentKindML            AgentKind = "ml"
	AgentKindAdvisory      AgentKind = "advisory"
	AgentKindArbitrage     AgentKind = "arbitrage"
)

// AgentSignal is one agent's proposal for one symbol at one evaluation.
// Signals are immutable once submitted.
type AgentSignal struct {
	AgentID    string
	Kind       SignalKind
	Symbol     string
	Confidence float64 // [0,1]
	Strength   float64 // [0,1]
	Timestamp  time.Time
	Reasoning  string
}

// ConsensusResult is the outcome of one vote over a symbol's pending signals.
// It is produced, acted on, and discarded; never persisted.
type ConsensusResult struct {
	Symbol              string
	WinningKind         SignalKind
	ConsensusConfidence float64
	AgreementLevel      float64
	ParticipationRate   float64
	AgentVotes          map[string]SignalKind
	Reasoning           string
}
