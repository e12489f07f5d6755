package consensus

// PerformanceStats accumulates realized-outcome feedback for one agent.
type PerformanceStats struct {
	Wins       int
	Losses     int
	WinRateEMA float64 // exponential moving average of the win indicator
	Samples    int
}

// WeightPolicy maps an agent's performance history onto its voting weight.
// The update rule is pluggable: the upstream system never pinned down how much
// a single win or loss should shift the weight.
type WeightPolicy interface {
	// Observe folds one realized outcome into the stats.
	Observe(stats PerformanceStats, realizedPnL float64) PerformanceStats
	// Weight derives the voting weight from the stats.
	Weight(stats PerformanceStats) float64
}

// EMAWinRate weights agents by an exponential moving average of their win
// rate. A fresh agent sits at the neutral weight 1.0; the weight is clamped
// to [Floor, Cap] so no agent is ever fully silenced or dominant.
type EMAWinRate struct {
	Alpha float64 // smoothing factor, e.g. 0.2
	Floor float64 // minimum weight, e.g. 0.1
	Cap   float64 // maximum weight, e.g. 3.0
}

// DefaultEMAWinRate returns the policy with the stock parameters.
func DefaultEMAWinRate() EMAWinRate {
	return EMAWinRate{Alpha: 0.2, Floor: 0.1, Cap: 3.0}
}

func (p EMAWinRate) Observe(stats PerformanceStats, realizedPnL float64) PerformanceStats {
	win := 0.0
	if realizedPnL > 0 {
		win = 1.0
		stats.Wins++
	} else {
		stats.Losses++
	}
	if stats.Samples == 0 {
		stats.WinRateEMA = win
	} else {
		stats.WinRateEMA = p.Alpha*win + (1-p.Alpha)*stats.WinRateEMA
	}
	stats.Samples++
	return stats
}

func (p EMAWinRate) Weight(stats PerformanceStats) float64 {
	if stats.Samples == 0 {
		return 1.0
	}
	// A 50% win rate maps to the neutral weight 1.0.
	w := 2 * stats.WinRateEMA
	if w < p.Floor {
		return p.Floor
	}
	if w > p.Cap {
		return p.Cap
	}
	return w
}
