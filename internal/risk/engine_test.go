package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLimits() Limits {
	return Limits{
		MaxExposure:          dec("100000"),
		MaxLeverage:          dec("10"),
		MaxDrawdown:          dec("0.2"),
		MaxPositionSize:      dec("5"),
		LiquidationThreshold: dec("0.9"),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(testLimits(), dec("50000"), zap.NewNop())
}

func TestValidatePositionSizeLimit(t *testing.T) {
	e := newTestEngine(t)

	res := e.ValidatePosition(Position{
		Symbol: "BTC-USD", Size: dec("6"), EntryPrice: dec("100"), Leverage: dec("5"),
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ViolationPositionSize, res.Errors[0].Code)
}

func TestValidatePositionLeverageLimit(t *testing.T) {
	e := newTestEngine(t)

	res := e.ValidatePosition(Position{
		Symbol: "BTC-USD", Size: dec("4"), EntryPrice: dec("100"), Leverage: dec("12"),
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ViolationLeverage, res.Errors[0].Code)
}

func TestValidatePositionAccumulatesAllViolations(t *testing.T) {
	e := newTestEngine(t)

	res := e.ValidatePosition(Position{
		Symbol: "BTC-USD", Size: dec("6"), EntryPrice: dec("100"), Leverage: dec("12"),
	})
	require.False(t, res.Valid)
	codes := []string{res.Errors[0].Code, res.Errors[1].Code}
	assert.Contains(t, codes, ViolationPositionSize)
	assert.Contains(t, codes, ViolationLeverage)
}

func TestValidatePositionWithinLimits(t *testing.T) {
	e := newTestEngine(t)

	res := e.ValidatePosition(Position{
		Symbol: "BTC-USD", Size: dec("4"), EntryPrice: dec("100"), Leverage: dec("5"),
	})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestAddPositionRejectedLeavesTableUntouched(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.AddPosition(Position{
		Symbol: "BTC-USD", Size: dec("6"), EntryPrice: dec("100"), Leverage: dec("5"),
	})
	require.ErrorIs(t, err, ErrRejected)
	assert.True(t, e.CalculateTotalExposure().IsZero())
	_, ok := e.Position("BTC-USD")
	assert.False(t, ok)
}

func TestProjectedExposureLimit(t *testing.T) {
	e := newTestEngine(t)

	// 4 * 20000 = 80000 exposure, within the 100000 limit.
	_, err := e.AddPosition(Position{
		Symbol: "BTC-USD", Size: dec("4"), EntryPrice: dec("20000"), Leverage: dec("5"),
	})
	require.NoError(t, err)

	// Projected exposure 80000 + 30000 breaches 100000.
	res := e.ValidatePosition(Position{
		Symbol: "ETH-USD", Size: dec("3"), EntryPrice: dec("10000"), Leverage: dec("2"),
	})
	require.False(t, res.Valid)
	assert.Equal(t, ViolationExposure, res.Errors[0].Code)
}

func TestDrawdownRatchetsPeak(t *testing.T) {
	e := newTestEngine(t)

	e.UpdateEquity(dec("60000"))
	assert.True(t, e.CalculateDrawdown().IsZero())

	e.UpdateEquity(dec("45000"))
	assert.Equal(t, "0.25", e.CalculateDrawdown().String())

	// Peak does not move down.
	e.UpdateEquity(dec("50000"))
	_, peak := e.Equity()
	assert.Equal(t, "60000", peak.String())
}

func TestLiquidationPrice(t *testing.T) {
	p := Position{Symbol: "BTC-USD", Size: dec("1"), EntryPrice: dec("100"), Leverage: dec("4")}
	assert.Equal(t, "75", CalculateLiquidationPrice(p).String())

	assert.True(t, ShouldLiquidate(p, dec("74")))
	assert.False(t, ShouldLiquidate(p, dec("76")))

	short := Position{Symbol: "BTC-USD", Size: dec("-1"), EntryPrice: dec("100"), Leverage: dec("4")}
	assert.True(t, ShouldLiquidate(short, dec("76")))
	assert.False(t, ShouldLiquidate(short, dec("74")))
}

func TestEngineLiquidationThresholdBuffer(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddPosition(Position{
		Symbol: "BTC-USD", Size: dec("1"), EntryPrice: dec("100"), Leverage: dec("4"),
	})
	require.NoError(t, err)

	// Raw liquidation price is 75; the 0.9 threshold widens the long
	// boundary to 75/0.9, about 83.3, so the flag raises early.
	liq, err := e.ShouldLiquidate("BTC-USD", dec("80"))
	require.NoError(t, err)
	assert.True(t, liq)

	liq, err = e.ShouldLiquidate("BTC-USD", dec("85"))
	require.NoError(t, err)
	assert.False(t, liq)

	// Shorts narrow symmetrically: 75 * 0.9 = 67.5.
	_, err = e.AddPosition(Position{
		Symbol: "ETH-USD", Size: dec("-1"), EntryPrice: dec("100"), Leverage: dec("4"),
	})
	require.NoError(t, err)
	liq, err = e.ShouldLiquidate("ETH-USD", dec("70"))
	require.NoError(t, err)
	assert.True(t, liq)
	liq, err = e.ShouldLiquidate("ETH-USD", dec("65"))
	require.NoError(t, err)
	assert.False(t, liq)

	_, err = e.ShouldLiquidate("SOL-USD", dec("100"))
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestMarginCalculations(t *testing.T) {
	e := newTestEngine(t)

	p := Position{Symbol: "BTC-USD", Size: dec("4"), EntryPrice: dec("10000"), Leverage: dec("8")}
	assert.Equal(t, "5000", CalculateMarginRequirement(p).String())

	_, err := e.AddPosition(p)
	require.NoError(t, err)
	assert.Equal(t, "45000", e.CalculateAvailableMargin().String())
}

func TestUpdatePositionRevalidates(t *testing.T) {
	e := newTestEngine(t)

	p := Position{Symbol: "BTC-USD", Size: dec("4"), EntryPrice: dec("10000"), Leverage: dec("5")}
	_, err := e.AddPosition(p)
	require.NoError(t, err)

	// Grow beyond the size limit: rejected, original position retained.
	p.Size = dec("6")
	_, err = e.UpdatePosition(p)
	require.ErrorIs(t, err, ErrRejected)
	kept, ok := e.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "4", kept.Size.String())

	// A valid resize goes through.
	p.Size = dec("5")
	_, err = e.UpdatePosition(p)
	require.NoError(t, err)
}

func TestClosePosition(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.AddPosition(Position{Symbol: "BTC-USD", Size: dec("1"), EntryPrice: dec("100"), Leverage: dec("2")})
	require.NoError(t, err)
	require.NoError(t, e.ClosePosition("BTC-USD"))
	assert.ErrorIs(t, e.ClosePosition("BTC-USD"), ErrPositionNotFound)
}
