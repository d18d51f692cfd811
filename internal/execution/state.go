// Package execution slices parent orders into market-resembling clips to
// hide true order size, tracking a detection-risk score and perturbing its
// own footprint when the score climbs.
package execution

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the per-parent-order lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StatePaused
	StateAdjusting
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateAdjusting:
		return "adjusting"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further clips may be placed in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Algorithm selects the slicing strategy.
type Algorithm int

const (
	// AlgorithmIceberg sizes clips off ambient market flow.
	AlgorithmIceberg Algorithm = iota
	// AlgorithmTWAP spreads the remaining quantity evenly over Duration.
	AlgorithmTWAP
)

var (
	ErrInvalidQuantity = errors.New("execution: quantity must be positive")
	ErrInvalidSide     = errors.New("execution: side must be buy or sell")
	ErrInvalidPrice    = errors.New("execution: limit price must be positive")
	ErrOrderNotFound   = errors.New("execution: parent order not found")
	ErrOrderActive     = errors.New("execution: parent order already active")
	ErrInvalidVariance = errors.New("execution: clip variance must be in [0, 0.5)")
)

// Params configures one parent order.
type Params struct {
	OrderID       uuid.UUID       `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Algorithm     Algorithm       `json:"algorithm"`
	// ClipVariance randomizes clip sizes by up to this fraction to avoid
	// a detectable fixed slice.
	ClipVariance decimal.Decimal `json:"clip_variance"`
	// Duration bounds a TWAP schedule. Ignored for iceberg.
	Duration time.Duration `json:"duration"`
	// DetectionThreshold above which the algorithm enters ADJUSTING and
	// perturbs its footprint.
	DetectionThreshold float64 `json:"detection_threshold"`
	// MaxPlacementFailures is the clip-placement failure budget, distinct
	// from the router's per-venue retries.
	MaxPlacementFailures int `json:"max_placement_failures"`
}

// Validate checks parameter sanity before an execution starts.
func (p Params) Validate() error {
	if !p.TotalQuantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if p.Side != "buy" && p.Side != "sell" {
		return ErrInvalidSide
	}
	if !p.LimitPrice.IsPositive() {
		return ErrInvalidPrice
	}
	// ADJUSTING doubles the variance, so the configured value must leave the
	// doubled jitter strictly below 1.
	if p.ClipVariance.IsNegative() || p.ClipVariance.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return ErrInvalidVariance
	}
	return nil
}

// Clip is one visible sub-order slice of the parent.
type Clip struct {
	ID             uuid.UUID       `json:"id"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	Venue          string          `json:"venue"`
	PlacedAt       time.Time       `json:"placed_at"`
}

// Result aggregates an execution's terminal outcome.
type Result struct {
	OrderID  uuid.UUID                  `json:"order_id"`
	State    State                      `json:"state"`
	Executed decimal.Decimal            `json:"executed"`
	AvgPrice decimal.Decimal            `json:"avg_price"`
	Slippage decimal.Decimal            `json:"slippage"`
	PerVenue map[string]decimal.Decimal `json:"per_venue"`
	Clips    int                        `json:"clips"`
	Reason   string                     `json:"reason,omitempty"`
}
