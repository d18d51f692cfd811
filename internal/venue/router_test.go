package venue

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

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
)

// fakeAdapter fails a configurable number of times before filling.
type fakeAdapter struct {
	name     string
	failures int
	calls    int
	slow     time.Duration
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, order Order) (Fill, error) {
	f.calls++
	if f.slow > 0 {
		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-time.After(f.slow):
		}
	}
	if f.calls <= f.failures {
		return Fill{}, errors.New("venue unavailable")
	}
	return Fill{
		Success:        true,
		FilledQuantity: order.Quantity,
		Price:          order.Price,
		Fee:            decimal.NewFromFloat(0.1),
	}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return true, nil
}

func newTestRouter(adapters ...Adapter) (*Router, *TrustManager) {
	logger := zap.NewNop()
	trust := NewTrustManager(DefaultTrustConfig(), journal.Nop(), logger)
	retry := NewRetryEngine(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, journal.Nop(), logger)
	r := NewRouter(RouterConfig{AttemptTimeout: 100 * time.Millisecond, Retry: RetryPolicy{MaxRetries: 3}}, trust, retry, events.NewBus(logger), logger)
	for _, a := range adapters {
		r.Register(a)
	}
	return r, trust
}

func testOrder() Order {
	return Order{
		ID:       uuid.New(),
		Symbol:   "BTC-USD",
		Side:     "buy",
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(50000),
	}
}

func TestExecuteOrderSuccessImprovesTrust(t *testing.T) {
	r, trust := newTestRouter(&fakeAdapter{name: "binance"})

	before := trust.Score("binance")
	res := r.ExecuteOrder(context.Background(), testOrder())

	require.True(t, res.Success)
	assert.Equal(t, "binance", res.Venue)
	assert.Equal(t, "2", res.FilledQuantity.String())
	assert.Greater(t, trust.Score("binance"), before)
}

func TestExecuteOrderRotatesToAlternate(t *testing.T) {
	bad := &fakeAdapter{name: "binance", failures: 100}
	good := &fakeAdapter{name: "okx"}
	r, trust := newTestRouter(bad, good)

	// Make binance the preferred venue so the first attempt fails there.
	trust.Improve("binance")

	res := r.ExecuteOrder(context.Background(), testOrder())
	require.True(t, res.Success)
	assert.Equal(t, "okx", res.Venue)
	assert.GreaterOrEqual(t, res.Attempts, 2)
}

func TestExecuteOrderExhaustionDecaysTrust(t *testing.T) {
	bad := &fakeAdapter{name: "binance", failures: 100}
	r, trust := newTestRouter(bad)

	before := trust.Score("binance")
	res := r.ExecuteOrder(context.Background(), testOrder())

	require.False(t, res.Success)
	assert.Equal(t, "binance", res.Venue)
	assert.Less(t, trust.Score("binance"), before)
	assert.NotEmpty(t, res.Reason)
}

func TestExecuteOrderNoVenues(t *testing.T) {
	r, _ := newTestRouter()

	res := r.ExecuteOrder(context.Background(), testOrder())
	require.False(t, res.Success)
	assert.Empty(t, res.Venue)
	assert.Equal(t, ErrNoVenues.Error(), res.Reason)
}

func TestAttemptTimeoutTreatedAsFailure(t *testing.T) {
	slow := &fakeAdapter{name: "binance", slow: time.Second, failures: 100}
	fast := &fakeAdapter{name: "okx"}
	r, trust := newTestRouter(slow, fast)
	trust.Improve("binance")

	res := r.ExecuteOrder(context.Background(), testOrder())
	require.True(t, res.Success)
	assert.Equal(t, "okx", res.Venue)
}
