package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/internal/venue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeRouter fills every clip at the requested price, optionally failing
// the first N placements.
type fakeRouter struct {
	mu       sync.Mutex
	failures int
	calls    int
	fills    []decimal.Decimal
}

func (f *fakeRouter) ExecuteOrder(ctx context.Context, order venue.Order) venue.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return venue.ExecutionResult{Success: false, Reason: "venue unavailable"}
	}
	f.fills = append(f.fills, order.Quantity)
	return venue.ExecutionResult{
		Success:        true,
		Venue:          "binance",
		FilledQuantity: order.Quantity,
		Price:          order.Price,
	}
}

func (f *fakeRouter) filledTotal() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, q := range f.fills {
		total = total.Add(q)
	}
	return total
}

func newTestExecutor(router ClipRouter, avgTradeSize string) *Executor {
	logger := zap.NewNop().Sugar()
	analyzer := StaticAnalyzer{Snapshot: MarketSnapshot{
		AvgTradeSize:   dec(avgTradeSize),
		P90TradeSize:   dec(avgTradeSize).Mul(dec("3")),
		LiquidityDepth: dec("1000"),
		RetailShare:    0.6,
	}}
	return NewExecutor(
		ExecutorConfig{Interval: 5 * time.Millisecond},
		router, analyzer, events.NewBus(zap.NewNop()), journal.Nop(), logger,
	)
}

func icebergParams(total string) Params {
	return Params{
		OrderID:       uuid.New(),
		Symbol:        "BTC-USD",
		Side:          "buy",
		TotalQuantity: dec(total),
		LimitPrice:    dec("50000"),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIcebergCompletesExactly(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("10")
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.State == StateCompleted
	})

	res, err := ex.Status(params.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)

	// Fill accounting is exact: clip fills sum to the reported executed
	// quantity and to the parent's total.
	assert.True(t, res.Executed.Equal(dec("10")), "executed %s", res.Executed)
	assert.True(t, router.filledTotal().Equal(dec("10")))
	assert.Equal(t, "50000", res.AvgPrice.String())
	assert.True(t, res.Slippage.IsZero())
	assert.True(t, res.PerVenue["binance"].Equal(dec("10")))
}

func TestCancelRetainsFilledQuantity(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("1000")
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.Clips >= 2
	})

	res, err := ex.Cancel(params.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.True(t, res.Executed.IsPositive())
	assert.True(t, res.Executed.LessThan(dec("1000")))

	// Terminal result stays queryable and no further clips land.
	callsAt := router.filledTotal()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, router.filledTotal().Equal(callsAt))
}

func TestPlacementFailureBudget(t *testing.T) {
	router := &fakeRouter{failures: 1000}
	ex := newTestExecutor(router, "2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("10")
	params.MaxPlacementFailures = 2
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.State == StateFailed
	})

	res, err := ex.Status(params.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.Reason)
	assert.True(t, res.Executed.IsZero())
}

func TestBeginValidation(t *testing.T) {
	ex := newTestExecutor(&fakeRouter{}, "2")
	ctx := context.Background()

	p := icebergParams("0")
	assert.ErrorIs(t, ex.Begin(ctx, p), ErrInvalidQuantity)

	p = icebergParams("10")
	p.Side = "hold"
	assert.ErrorIs(t, ex.Begin(ctx, p), ErrInvalidSide)

	p = icebergParams("10")
	p.LimitPrice = decimal.Zero
	assert.ErrorIs(t, ex.Begin(ctx, p), ErrInvalidPrice)
}

func TestDuplicateOrderRejected(t *testing.T) {
	ex := newTestExecutor(&fakeRouter{}, "2")
	ctx := context.Background()

	params := icebergParams("10")
	require.NoError(t, ex.Begin(ctx, params))
	assert.ErrorIs(t, ex.Begin(ctx, params), ErrOrderActive)
}

func TestPauseStopsPlacement(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("1000")
	require.NoError(t, ex.Begin(ctx, params))
	require.NoError(t, ex.Pause(params.OrderID))

	filled := router.filledTotal()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, router.filledTotal().Equal(filled))

	require.NoError(t, ex.Resume(params.OrderID))
	waitFor(t, 5*time.Second, func() bool {
		return router.filledTotal().GreaterThan(filled)
	})
}

func TestRestartResumesScheduling(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "3")
	ctx := context.Background()

	require.NoError(t, ex.Start(ctx))
	ex.Stop()

	// A stopped scheduler comes back: orders begun after the restart must
	// see their clips placed.
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("10")
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.State == StateCompleted
	})
	assert.True(t, router.filledTotal().Equal(dec("10")))
}

func TestFillCallbackSeesEveryClip(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "3")

	var mu sync.Mutex
	total := decimal.Zero
	ex.SetFillCallback(func(orderID uuid.UUID, symbol, side string, quantity, price decimal.Decimal) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "BTC-USD", symbol)
		assert.Equal(t, "buy", side)
		assert.True(t, price.Equal(dec("50000")))
		total = total.Add(quantity)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("10")
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.State == StateCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, total.Equal(dec("10")), "callback saw %s", total)
}

func TestTWAPFlushesAfterSchedule(t *testing.T) {
	router := &fakeRouter{}
	ex := newTestExecutor(router, "2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.Start(ctx))
	defer ex.Stop()

	params := icebergParams("9")
	params.Algorithm = AlgorithmTWAP
	params.Duration = 30 * time.Millisecond
	require.NoError(t, ex.Begin(ctx, params))

	waitFor(t, 5*time.Second, func() bool {
		res, err := ex.Status(params.OrderID)
		return err == nil && res.State == StateCompleted
	})

	res, err := ex.Status(params.OrderID)
	require.NoError(t, err)
	assert.True(t, res.Executed.Equal(dec("9")))
}
