package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InvariantViolation is one re-derived metric that breaches a configured
// limit.
type InvariantViolation struct {
	Metric  string          `json:"metric"`
	Value   decimal.Decimal `json:"value"`
	Limit   decimal.Decimal `json:"limit"`
	Message string          `json:"message"`
}

// InvariantChecker independently re-derives exposure, drawdown and margin
// from an engine snapshot and asserts the configured limits hold. It is a
// second verification path and shares no arithmetic with the engine's
// validation methods.
type InvariantChecker struct {
	engine *Engine
	logger *zap.Logger
}

func NewInvariantChecker(engine *Engine, logger *zap.Logger) *InvariantChecker {
	return &InvariantChecker{engine: engine, logger: logger}
}

// Check re-derives all metrics from a snapshot and returns every violation
// found. An empty slice means all invariants hold.
func (c *InvariantChecker) Check() []InvariantViolation {
	positions, equity, peak := c.engine.Snapshot()
	limits := c.engine.Limits()

	var violations []InvariantViolation

	exposure := decimal.Zero
	margin := decimal.Zero
	for _, p := range positions {
		notional := p.Size.Abs().Mul(p.EntryPrice)
		exposure = exposure.Add(notional)
		if p.Leverage.IsPositive() {
			margin = margin.Add(notional.Div(p.Leverage))
		} else {
			margin = margin.Add(notional)
		}

		if p.Size.Abs().GreaterThan(limits.MaxPositionSize) {
			violations = append(violations, InvariantViolation{
				Metric:  "position_size",
				Value:   p.Size.Abs(),
				Limit:   limits.MaxPositionSize,
				Message: fmt.Sprintf("position %s size %s above limit %s", p.Symbol, p.Size.Abs(), limits.MaxPositionSize),
			})
		}
		if p.Leverage.GreaterThan(limits.MaxLeverage) {
			violations = append(violations, InvariantViolation{
				Metric:  "leverage",
				Value:   p.Leverage,
				Limit:   limits.MaxLeverage,
				Message: fmt.Sprintf("position %s leverage %s above limit %s", p.Symbol, p.Leverage, limits.MaxLeverage),
			})
		}
	}

	if exposure.GreaterThan(limits.MaxExposure) {
		violations = append(violations, InvariantViolation{
			Metric:  "exposure",
			Value:   exposure,
			Limit:   limits.MaxExposure,
			Message: fmt.Sprintf("total exposure %s above limit %s", exposure, limits.MaxExposure),
		})
	}

	drawdown := decimal.Zero
	if peak.IsPositive() {
		drawdown = peak.Sub(equity).Div(peak)
		if drawdown.IsNegative() {
			drawdown = decimal.Zero
		}
	}
	if drawdown.GreaterThan(limits.MaxDrawdown) {
		violations = append(violations, InvariantViolation{
			Metric:  "drawdown",
			Value:   drawdown,
			Limit:   limits.MaxDrawdown,
			Message: fmt.Sprintf("drawdown %s above limit %s", drawdown, limits.MaxDrawdown),
		})
	}

	if margin.GreaterThan(equity) {
		violations = append(violations, InvariantViolation{
			Metric:  "margin",
			Value:   margin,
			Limit:   equity,
			Message: fmt.Sprintf("margin in use %s exceeds equity %s", margin, equity),
		})
	}

	return violations
}

// Run checks invariants on a fixed interval until ctx is cancelled,
// logging every violation at error level.
func (c *InvariantChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range c.Check() {
				c.logger.Error("risk invariant violated",
					zap.String("metric", v.Metric),
					zap.String("value", v.Value.String()),
					zap.String("limit", v.Limit.String()),
					zap.String("detail", v.Message))
			}
		}
	}
}
