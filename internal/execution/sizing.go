package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// initialClipSize picks a visible quantity that resembles ambient order
// flow: the average trade size, capped by the p90 so the first clip never
// stands out, and never above the total.
func initialClipSize(params Params, snapshot MarketSnapshot) decimal.Decimal {
	size := snapshot.AvgTradeSize
	if !size.IsPositive() {
		// No microstructure data: fall back to a tenth of the parent.
		size = params.TotalQuantity.Div(decimal.NewFromInt(10))
	}
	if snapshot.P90TradeSize.IsPositive() && size.GreaterThan(snapshot.P90TradeSize) {
		size = snapshot.P90TradeSize
	}
	if size.GreaterThan(params.TotalQuantity) {
		size = params.TotalQuantity
	}
	return size
}

// nextClipSizeLocked computes the next clip for a run. Caller holds r.mu.
func (ex *Executor) nextClipSizeLocked(r *run) decimal.Decimal {
	var size decimal.Decimal

	switch r.params.Algorithm {
	case AlgorithmTWAP:
		size = ex.twapSliceLocked(r)
	default:
		size = r.visible
	}

	// Randomize within the configured variance so consecutive clips do
	// not repeat. ADJUSTING doubles the perturbation to break whatever
	// pattern raised the detection score.
	variance := r.params.ClipVariance
	if r.state == StateAdjusting {
		variance = variance.Mul(decimal.NewFromInt(2))
		if !variance.IsPositive() {
			variance = decimal.NewFromFloat(0.25)
		}
	}
	if variance.IsPositive() {
		// jitter in [-variance, +variance]
		base := size
		jitter := decimal.NewFromFloat(r.rng.Float64()*2 - 1).Mul(variance)
		size = size.Mul(decimal.NewFromInt(1).Add(jitter))
		// A deep negative draw must shrink the clip, never collapse it to
		// zero or below: floor at a tenth of the unjittered base so the clip
		// stays market-sized and the parent is never flushed in one shot.
		floor := base.Div(decimal.NewFromInt(10))
		if size.LessThan(floor) {
			size = floor
		}
	}

	if size.GreaterThan(r.remaining) {
		size = r.remaining
	}
	return size
}

// twapSliceLocked spreads the remaining quantity evenly across the slices
// left in the schedule.
func (ex *Executor) twapSliceLocked(r *run) decimal.Decimal {
	if r.params.Duration <= 0 {
		return r.visible
	}
	elapsed := time.Since(r.startedAt)
	left := r.params.Duration - elapsed
	if left <= 0 {
		// Schedule exhausted: flush the remainder.
		return r.remaining
	}
	slices := int64(left / ex.cfg.Interval)
	if slices < 1 {
		slices = 1
	}
	return r.remaining.Div(decimal.NewFromInt(slices))
}
