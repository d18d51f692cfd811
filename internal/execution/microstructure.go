package execution

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot captures the microstructure features clip sizing keys off:
// how big ambient orders are, where the size distribution tails off, and
// how deep the book is.
type MarketSnapshot struct {
	AvgTradeSize   decimal.Decimal `json:"avg_trade_size"`
	P90TradeSize   decimal.Decimal `json:"p90_trade_size"`
	LiquidityDepth decimal.Decimal `json:"liquidity_depth"`
	// RetailShare approximates the participant mix; a retail-heavy tape
	// tolerates smaller, more irregular clips.
	RetailShare float64   `json:"retail_share"`
	TakenAt     time.Time `json:"taken_at"`
}

// MarketAnalyzer produces a microstructure snapshot for a symbol. The live
// implementation sits behind a data-source connector; tests and offline
// runs use StaticAnalyzer.
type MarketAnalyzer interface {
	Analyze(ctx context.Context, symbol string) (MarketSnapshot, error)
}

// StaticAnalyzer returns a fixed snapshot for every symbol.
type StaticAnalyzer struct {
	Snapshot MarketSnapshot
}

func (a StaticAnalyzer) Analyze(ctx context.Context, symbol string) (MarketSnapshot, error) {
	snap := a.Snapshot
	snap.TakenAt = time.Now()
	return snap, nil
}

// detectionScore combines fill-timing regularity with clip-size visibility.
// Fills spaced too evenly or clips landing above the venue's historical
// p90 both push the score toward 1.
func detectionScore(fillTimes []time.Time, clips []Clip, p90 decimal.Decimal) float64 {
	regularity := timingRegularity(fillTimes)
	oversize := oversizeShare(clips, p90)
	return 0.6*regularity + 0.4*oversize
}

// timingRegularity returns 1 when fill intervals are perfectly even and
// falls toward 0 as their coefficient of variation grows.
func timingRegularity(fillTimes []time.Time) float64 {
	const window = 8
	if len(fillTimes) < 3 {
		return 0
	}
	times := fillTimes
	if len(times) > window {
		times = times[len(times)-window:]
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 1
	}

	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean

	// cv of 0.5 or more reads as organic flow.
	score := 1 - cv/0.5
	if score < 0 {
		return 0
	}
	return score
}

// oversizeShare is the fraction of recent clips sized above the p90 of
// ambient trades.
func oversizeShare(clips []Clip, p90 decimal.Decimal) float64 {
	const window = 8
	if len(clips) == 0 || !p90.IsPositive() {
		return 0
	}
	recent := clips
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	over := 0
	for _, c := range recent {
		if c.Quantity.GreaterThan(p90) {
			over++
		}
	}
	return float64(over) / float64(len(recent))
}
