// Event-driven risk engine validating positions, exposure and drawdown
// against hard limits using exact decimal arithmetic.
package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/pkg/metrics"
)

// Violation codes returned inside ValidationResult. These are the full set
// of enumerable rejection reasons the engine produces.
const (
	ViolationPositionSize = "position_size"
	ViolationLeverage     = "leverage"
	ViolationExposure     = "exposure"
	ViolationDrawdown     = "drawdown"
)

var (
	ErrPositionNotFound = errors.New("risk: position not found")
	ErrPositionExists   = errors.New("risk: position already exists")
	ErrRejected         = errors.New("risk: position rejected")
)

// ValidationError describes one violated limit.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// ValidationResult carries every violation found in one pass. Checks are
// accumulated, not short-circuited, so callers see all violations at once.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Engine owns the position table and the equity curve. All mutation goes
// through validated calls; a rejected validation never partially mutates
// state.
type Engine struct {
	limits Limits
	logger *zap.Logger

	mu         sync.RWMutex
	positions  map[string]Position
	equity     decimal.Decimal
	peakEquity decimal.Decimal
}

// NewEngine creates a risk engine with the given immutable limits and
// starting equity.
func NewEngine(limits Limits, initialEquity decimal.Decimal, logger *zap.Logger) *Engine {
	return &Engine{
		limits:     limits,
		logger:     logger,
		positions:  make(map[string]Position),
		equity:     initialEquity,
		peakEquity: initialEquity,
	}
}

// Limits returns the engine's configured limits.
func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// ReplaceLimits swaps the limit set. Only the governance layer may call
// this; there is deliberately no other mutation path.
func (e *Engine) ReplaceLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
	e.logger.Info("risk limits replaced",
		zap.String("max_exposure", limits.MaxExposure.String()),
		zap.String("max_leverage", limits.MaxLeverage.String()),
		zap.String("max_drawdown", limits.MaxDrawdown.String()),
		zap.String("max_position_size", limits.MaxPositionSize.String()))
}

// ValidatePosition checks a candidate position against every limit in
// order: size, leverage, projected total exposure, current drawdown.
func (e *Engine) ValidatePosition(p Position) ValidationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validateLocked(p)
}

func (e *Engine) validateLocked(p Position) ValidationResult {
	var errs []ValidationError

	if p.Size.Abs().GreaterThan(e.limits.MaxPositionSize) {
		errs = append(errs, ValidationError{
			Code:    ViolationPositionSize,
			Message: fmt.Sprintf("position size %s exceeds limit %s", p.Size.Abs(), e.limits.MaxPositionSize),
		})
	}
	if p.Leverage.GreaterThan(e.limits.MaxLeverage) {
		errs = append(errs, ValidationError{
			Code:    ViolationLeverage,
			Message: fmt.Sprintf("leverage %s exceeds limit %s", p.Leverage, e.limits.MaxLeverage),
		})
	}
	projected := e.totalExposureLocked().Add(p.Notional())
	if projected.GreaterThan(e.limits.MaxExposure) {
		errs = append(errs, ValidationError{
			Code:    ViolationExposure,
			Message: fmt.Sprintf("projected exposure %s exceeds limit %s", projected, e.limits.MaxExposure),
		})
	}
	if dd := e.drawdownLocked(); dd.GreaterThan(e.limits.MaxDrawdown) {
		errs = append(errs, ValidationError{
			Code:    ViolationDrawdown,
			Message: fmt.Sprintf("current drawdown %s exceeds limit %s", dd, e.limits.MaxDrawdown),
		})
	}

	for _, v := range errs {
		metrics.PositionsRejected.WithLabelValues(v.Code).Inc()
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// AddPosition validates and inserts a new position atomically. The position
// table is untouched when validation fails.
func (e *Engine) AddPosition(p Position) (ValidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.positions[p.Symbol]; exists {
		return ValidationResult{}, ErrPositionExists
	}
	res := e.validateLocked(p)
	if !res.Valid {
		e.logger.Warn("position rejected",
			zap.String("symbol", p.Symbol),
			zap.Int("violations", len(res.Errors)))
		return res, ErrRejected
	}
	e.positions[p.Symbol] = p
	e.logger.Debug("position added",
		zap.String("symbol", p.Symbol),
		zap.String("size", p.Size.String()),
		zap.String("entry_price", p.EntryPrice.String()))
	return res, nil
}

// UpdatePosition replaces an existing position after re-validation against
// the exposure excluding its previous contribution.
func (e *Engine) UpdatePosition(p Position) (ValidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, exists := e.positions[p.Symbol]
	if !exists {
		return ValidationResult{}, ErrPositionNotFound
	}
	// Validate against exposure with the old position removed so the
	// update is judged on its own projected contribution.
	delete(e.positions, p.Symbol)
	res := e.validateLocked(p)
	if !res.Valid {
		e.positions[p.Symbol] = prev
		return res, ErrRejected
	}
	e.positions[p.Symbol] = p
	return res, nil
}

// ClosePosition removes a position from the table.
func (e *Engine) ClosePosition(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.positions[symbol]; !exists {
		return ErrPositionNotFound
	}
	delete(e.positions, symbol)
	e.logger.Debug("position closed", zap.String("symbol", symbol))
	return nil
}

// Position returns a copy of the position for symbol.
func (e *Engine) Position(symbol string) (Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// CalculateTotalExposure sums the leveraged notional of every open position.
func (e *Engine) CalculateTotalExposure() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalExposureLocked()
}

func (e *Engine) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range e.positions {
		total = total.Add(p.Notional())
	}
	return total
}

// CalculateDrawdown returns max(0, (peak - equity) / peak).
func (e *Engine) CalculateDrawdown() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.drawdownLocked()
}

func (e *Engine) drawdownLocked() decimal.Decimal {
	if e.peakEquity.IsZero() || !e.peakEquity.IsPositive() {
		return decimal.Zero
	}
	dd := e.peakEquity.Sub(e.equity).Div(e.peakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// UpdateEquity sets current equity. Peak equity only ratchets upward.
func (e *Engine) UpdateEquity(equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equity = equity
	if equity.GreaterThan(e.peakEquity) {
		e.peakEquity = equity
	}
}

// Equity returns current and peak equity.
func (e *Engine) Equity() (current, peak decimal.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity, e.peakEquity
}

// CalculateLiquidationPrice returns entryPrice * (1 - 1/leverage). Long
// positions liquidate when price falls below it, shorts when price rises
// above it.
func CalculateLiquidationPrice(p Position) decimal.Decimal {
	if p.Leverage.IsZero() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return p.EntryPrice.Mul(one.Sub(one.Div(p.Leverage)))
}

// ShouldLiquidate reports whether currentPrice has crossed the position's
// liquidation price.
func ShouldLiquidate(p Position, currentPrice decimal.Decimal) bool {
	liq := CalculateLiquidationPrice(p)
	if p.IsShort() {
		return currentPrice.GreaterThan(liq)
	}
	return currentPrice.LessThan(liq)
}

// ShouldLiquidate checks a held position against the configured liquidation
// threshold. A threshold below 1 widens the trigger boundary so the engine
// flags the position before it is fully underwater; a zero threshold falls
// back to the raw liquidation price.
func (e *Engine) ShouldLiquidate(symbol string, currentPrice decimal.Decimal) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[symbol]
	if !ok {
		return false, ErrPositionNotFound
	}
	liq := CalculateLiquidationPrice(p)
	if th := e.limits.LiquidationThreshold; th.IsPositive() {
		if p.IsShort() {
			liq = liq.Mul(th)
		} else {
			liq = liq.Div(th)
		}
	}
	if p.IsShort() {
		return currentPrice.GreaterThan(liq), nil
	}
	return currentPrice.LessThan(liq), nil
}

// CalculateMarginRequirement returns the margin a position ties up:
// notional / leverage.
func CalculateMarginRequirement(p Position) decimal.Decimal {
	if p.Leverage.IsZero() {
		return p.Notional()
	}
	return p.Notional().Div(p.Leverage)
}

// CalculateAvailableMargin returns equity minus the margin tied up across
// all open positions.
func (e *Engine) CalculateAvailableMargin() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	used := decimal.Zero
	for _, p := range e.positions {
		used = used.Add(CalculateMarginRequirement(p))
	}
	return e.equity.Sub(used)
}

// Snapshot returns a copy of the position table plus the equity curve, for
// independent verification.
func (e *Engine) Snapshot() (positions []Position, equity, peak decimal.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	positions = make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		positions = append(positions, p)
	}
	return positions, e.equity, e.peakEquity
}
