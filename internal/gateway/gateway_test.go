package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/capitalflow"
	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/execution"
	"github.com/velocimex/riskgate/internal/governance"
	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/internal/risk"
	"github.com/velocimex/riskgate/internal/venue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeAdapter struct {
	name string
	fail bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, order venue.Order) (venue.Fill, error) {
	if f.fail {
		return venue.Fill{}, errors.New("venue unavailable")
	}
	return venue.Fill{
		Success:        true,
		FilledQuantity: order.Quantity,
		Price:          order.Price,
	}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return true, nil
}

type fixture struct {
	gateway  *Gateway
	engine   *risk.Engine
	limiter  *capitalflow.Limiter
	executor *execution.Executor
	bus      *events.Bus
}

func newFixture(t *testing.T, adapters ...venue.Adapter) *fixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)

	engine := risk.NewEngine(risk.Limits{
		MaxExposure:          dec("1000000"),
		MaxLeverage:          dec("10"),
		MaxDrawdown:          dec("0.5"),
		MaxPositionSize:      dec("100"),
		LiquidationThreshold: dec("0.8"),
	}, dec("100000"), logger)

	limiter := capitalflow.NewLimiter(capitalflow.Config{
		TotalCapital: dec("100000"),
		Limits: []capitalflow.WindowLimit{
			{Name: "hourly", Window: time.Hour, MaxAmount: dec("2500")},
		},
		RetainFor: 24 * time.Hour,
	}, bus, journal.Nop(), logger)

	trust := venue.NewTrustManager(venue.DefaultTrustConfig(), journal.Nop(), logger)
	retry := venue.NewRetryEngine(venue.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, journal.Nop(), logger)
	router := venue.NewRouter(venue.RouterConfig{
		AttemptTimeout: 100 * time.Millisecond,
		Retry:          venue.RetryPolicy{MaxRetries: 2},
	}, trust, retry, bus, logger)
	for _, a := range adapters {
		router.Register(a)
	}

	executor := execution.NewExecutor(execution.ExecutorConfig{Interval: 5 * time.Millisecond}, router, execution.StaticAnalyzer{
		Snapshot: execution.MarketSnapshot{
			AvgTradeSize:   dec("1"),
			P90TradeSize:   dec("2"),
			LiquidityDepth: dec("1000"),
		},
	}, bus, journal.Nop(), logger.Sugar())

	return &fixture{
		gateway:  New(engine, limiter, router, executor, bus, logger),
		engine:   engine,
		limiter:  limiter,
		executor: executor,
		bus:      bus,
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

func buyRequest(quantity string) OrderRequest {
	return OrderRequest{
		Symbol:   "BTC-USD",
		Side:     "buy",
		Quantity: dec(quantity),
		Price:    dec("100"),
		Leverage: dec("2"),
		Mode:     ModeDirect,
	}
}

func TestSubmitDirectOrderFillsAndUpdatesPosition(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	sub, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("10"))
	require.NoError(t, err)
	require.True(t, sub.Accepted)
	require.NotNil(t, sub.Routed)
	assert.Equal(t, "binance", sub.Routed.Venue)

	pos, ok := fx.engine.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "10", pos.Size.String())
	assert.Equal(t, "100", pos.EntryPrice.String())
}

func TestHaltedPipelineRejectsEverything(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})
	fx.gateway.Halt("maintenance")

	sub, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("1"))
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, StageHalted, sub.Stage)
	assert.Equal(t, "maintenance", sub.Reason)

	fx.gateway.Resume()
	_, err = fx.gateway.SubmitOrder(context.Background(), buyRequest("1"))
	assert.NoError(t, err)
}

func TestRiskRejectionNamesViolations(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	// Size over the 100 limit and leverage over the 10x limit.
	req := buyRequest("200")
	req.Leverage = dec("20")
	sub, err := fx.gateway.SubmitOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrRiskRejected)
	assert.Equal(t, StageRisk, sub.Stage)
	require.Len(t, sub.RiskViolations, 2)

	// Nothing was committed.
	_, ok := fx.engine.Position("BTC-USD")
	assert.False(t, ok)
	assert.Empty(t, fx.limiter.History())
}

func TestFlowRejectionBlocksExecution(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	fx := newFixture(t, adapter)

	// Margin = 5 qty * 100 price / 2x leverage = 250 per order; ten
	// orders fill the 2500 hourly window exactly, the eleventh breaches.
	for i := 0; i < 10; i++ {
		_, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("5"))
		require.NoError(t, err)
	}
	sub, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("5"))
	assert.ErrorIs(t, err, ErrFlowRejected)
	assert.Equal(t, StageFlow, sub.Stage)
	assert.Equal(t, "window_limit:hourly", sub.Reason)
}

func TestRoutedFailureReported(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance", fail: true})

	sub, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("10"))
	require.Error(t, err)
	assert.Equal(t, StageExecution, sub.Stage)
	assert.False(t, sub.Accepted)
	require.NotNil(t, sub.Routed)
	assert.False(t, sub.Routed.Success)

	_, ok := fx.engine.Position("BTC-USD")
	assert.False(t, ok)
}

func TestSellReducesExistingPosition(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	_, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("10"))
	require.NoError(t, err)

	sell := buyRequest("4")
	sell.Side = "sell"
	_, err = fx.gateway.SubmitOrder(context.Background(), sell)
	require.NoError(t, err)

	pos, ok := fx.engine.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "6", pos.Size.String())
}

func TestSellClosingExactlyRemovesPosition(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	_, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("10"))
	require.NoError(t, err)

	sell := buyRequest("10")
	sell.Side = "sell"
	_, err = fx.gateway.SubmitOrder(context.Background(), sell)
	require.NoError(t, err)

	_, ok := fx.engine.Position("BTC-USD")
	assert.False(t, ok)
}

func TestSlicedSubmissionStartsExecution(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	req := buyRequest("10")
	req.Mode = ModeSliced
	sub, err := fx.gateway.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, sub.Accepted)

	status, err := fx.gateway.ExecutionStatus(sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateActive, status.State)

	res, err := fx.gateway.CancelExecution(sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, res.State)
}

func TestSlicedFillsUpdateRiskPositions(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})
	require.NoError(t, fx.executor.Start(context.Background()))
	defer fx.executor.Stop()

	req := buyRequest("3")
	req.Mode = ModeSliced
	sub, err := fx.gateway.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, sub.Accepted)

	waitFor(t, 5*time.Second, func() bool {
		res, err := fx.gateway.ExecutionStatus(sub.OrderID)
		return err == nil && res.State == execution.StateCompleted
	})

	// Every clip fill lands in the position table, so by completion the
	// engine carries the full parent quantity at the fill price.
	pos, ok := fx.engine.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "3", pos.Size.String())
	assert.Equal(t, "100", pos.EntryPrice.String())
	assert.Equal(t, "2", pos.Leverage.String())

	res, err := fx.gateway.ExecutionStatus(sub.OrderID)
	require.NoError(t, err)
	assert.True(t, res.Executed.Equal(dec("3")))
}

func TestSlicedSellReducesPositionPerClip(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})
	require.NoError(t, fx.executor.Start(context.Background()))
	defer fx.executor.Stop()

	_, err := fx.gateway.SubmitOrder(context.Background(), buyRequest("10"))
	require.NoError(t, err)

	sell := buyRequest("4")
	sell.Side = "sell"
	sell.Mode = ModeSliced
	sub, err := fx.gateway.SubmitOrder(context.Background(), sell)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		res, err := fx.gateway.ExecutionStatus(sub.OrderID)
		return err == nil && res.State == execution.StateCompleted
	})

	pos, ok := fx.engine.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "6", pos.Size.String())
}

func TestEmergencyStopHaltsGateway(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})
	fx.bus.Publish(events.Event{Type: events.TypeEmergencyStop})

	halted, reason := fx.gateway.Halted()
	assert.True(t, halted)
	assert.Equal(t, "capital_flow_emergency_stop", reason)
}

func TestDeadmanActionHaltsGateway(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	action := fx.gateway.BindDeadman("strategy")
	require.NoError(t, action(context.Background(), "heartbeat timeout"))

	halted, reason := fx.gateway.Halted()
	assert.True(t, halted)
	assert.Equal(t, "deadman:strategy:heartbeat timeout", reason)
}

func TestApplyProposalKinds(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{name: "binance"})

	newLimits := risk.Limits{
		MaxExposure:          dec("500"),
		MaxLeverage:          dec("3"),
		MaxDrawdown:          dec("0.1"),
		MaxPositionSize:      dec("5"),
		LiquidationThreshold: dec("0.9"),
	}
	require.NoError(t, fx.gateway.ApplyProposal(governance.Proposal{
		ID:      uuid.New(),
		Kind:    governance.KindUpdateRiskLimits,
		Payload: governance.Payload{Kind: governance.KindUpdateRiskLimits, RiskLimits: &newLimits},
	}))
	assert.Equal(t, "5", fx.engine.Limits().MaxPositionSize.String())

	require.NoError(t, fx.gateway.ApplyProposal(governance.Proposal{
		ID:   uuid.New(),
		Kind: governance.KindPauseTrading,
		Payload: governance.Payload{
			Kind:  governance.KindPauseTrading,
			Pause: &governance.PausePayload{Reason: "incident"},
		},
	}))
	halted, reason := fx.gateway.Halted()
	assert.True(t, halted)
	assert.Equal(t, "governance:incident", reason)

	require.NoError(t, fx.gateway.ApplyProposal(governance.Proposal{
		ID:      uuid.New(),
		Kind:    governance.KindResumeTrading,
		Payload: governance.Payload{Kind: governance.KindResumeTrading},
	}))
	halted, _ = fx.gateway.Halted()
	assert.False(t, halted)

	err := fx.gateway.ApplyProposal(governance.Proposal{Kind: "bogus"})
	assert.Error(t, err)
}
