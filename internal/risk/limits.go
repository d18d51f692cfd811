package risk

import (
	"github.com/shopspring/decimal"
)

// Limits holds the hard risk limits for one engine instance. Limits are
// immutable after construction; runtime changes must arrive as a fresh
// Limits value through the governance layer.
type Limits struct {
	MaxExposure          decimal.Decimal `mapstructure:"max_exposure" json:"max_exposure"`
	MaxLeverage          decimal.Decimal `mapstructure:"max_leverage" json:"max_leverage"`
	MaxDrawdown          decimal.Decimal `mapstructure:"max_drawdown" json:"max_drawdown"`
	MaxPositionSize      decimal.Decimal `mapstructure:"max_position_size" json:"max_position_size"`
	LiquidationThreshold decimal.Decimal `mapstructure:"liquidation_threshold" json:"liquidation_threshold"`
}

// Position is a single open position tracked by the engine. Size is signed:
// negative for shorts. All values are exact decimals.
type Position struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   decimal.Decimal `json:"leverage"`
	Collateral decimal.Decimal `json:"collateral"`
}

// Notional returns the absolute leveraged notional of the position.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Abs().Mul(p.EntryPrice)
}

// IsShort reports whether the position size is negative.
func (p Position) IsShort() bool {
	return p.Size.IsNegative()
}
