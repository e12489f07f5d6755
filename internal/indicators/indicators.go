package indicators

import (
	"fmt"
	"math"

	"quorumbot/internal/domain"
)

// ATR computes the Average True Range over the given klines using Wilder's
// smoothing method. At least period+1 klines are required.
func ATR(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("ATR period must be positive, got %d", period)
	}
	if len(klines) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR: need %d, got %d", period+1, len(klines))
	}

	trueRanges := make([]float64, len(klines))
	trueRanges[0] = klines[0].High - klines[0].Low
	for i := 1; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		// True range is the greatest of high-low, |high-prevClose|, |low-prevClose|.
		tr := high - low
		if v := math.Abs(high - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(low - prevClose); v > tr {
			tr = v
		}
		trueRanges[i] = tr
	}

	// Seed with the simple average of the first period, then smooth.
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)
	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr, nil
}

// saturationMove is the fractional price change over the momentum window at
// which the momentum score saturates to ±1.
const saturationMove = 0.02

// Momentum returns a directional score in [-1,1] from the rate of change over
// the last period klines. Positive values favour longs. A 2% move over the
// window saturates the score.
func Momentum(klines []*domain.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	ref := klines[len(klines)-1-period].Close
	last := klines[len(klines)-1].Close
	if ref == 0 {
		return 0
	}
	score := ((last - ref) / ref) / saturationMove
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}
