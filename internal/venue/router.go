package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/pkg/metrics"
)

// ExecutionResult is the router's terminal outcome for one order.
type ExecutionResult struct {
	Success        bool            `json:"success"`
	Venue          string          `json:"venue"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
	Attempts       int             `json:"attempts"`
	Reason         string          `json:"reason,omitempty"`
}

// RouterConfig holds the router's construction parameters.
type RouterConfig struct {
	// AttemptTimeout bounds each venue placement call. A timed-out
	// attempt counts as a venue failure.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	Retry          RetryPolicy   `mapstructure:"retry" json:"retry"`
}

// Router dispatches orders to the highest-trust venue and rotates through
// alternates on failure, feeding outcomes back into the trust manager.
type Router struct {
	cfg    RouterConfig
	trust  *TrustManager
	retry  *RetryEngine
	bus    *events.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRouter(cfg RouterConfig, trust *TrustManager, retry *RetryEngine, bus *events.Bus, logger *zap.Logger) *Router {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &Router{
		cfg:      cfg,
		trust:    trust,
		retry:    retry,
		bus:      bus,
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// Register adds a venue adapter. Registration order does not matter; trust
// ordering decides routing preference.
func (r *Router) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Venues returns the registered venue names ordered by descending trust.
func (r *Router) Venues() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	return r.trust.Ranked(names)
}

// ExecuteOrder attempts the order on the highest-trust venue, consulting
// the retry engine on each failure. Success improves the venue's trust;
// exhausted retries decay the last venue tried.
func (r *Router) ExecuteOrder(ctx context.Context, order Order) ExecutionResult {
	candidates := r.Venues()
	if len(candidates) == 0 {
		metrics.OrdersRouted.WithLabelValues("failed").Inc()
		return ExecutionResult{Success: false, Reason: ErrNoVenues.Error()}
	}

	current := candidates[0]
	attempts := 0
	for {
		fill, err := r.attempt(ctx, current, order)
		attempts++

		if err == nil && fill.Success {
			r.trust.Improve(current)
			r.logger.Info("order executed",
				zap.String("order_id", order.ID.String()),
				zap.String("venue", current),
				zap.String("filled", fill.FilledQuantity.String()),
				zap.Int("attempts", attempts))
			r.bus.Publish(events.Event{
				Type: events.TypeOrderExecuted,
				Fields: map[string]interface{}{
					"order_id": order.ID.String(),
					"venue":    current,
					"quantity": fill.FilledQuantity.String(),
				},
			})
			metrics.OrdersRouted.WithLabelValues("filled").Inc()
			return ExecutionResult{
				Success:        true,
				Venue:          current,
				FilledQuantity: fill.FilledQuantity,
				Price:          fill.Price,
				Fee:            fill.Fee,
				Attempts:       attempts,
			}
		}

		reason := "venue_rejected"
		if err != nil {
			reason = err.Error()
		}

		decision := r.retry.Decide(RetryContext{
			Symbol:     order.Symbol,
			Venue:      current,
			Reason:     reason,
			Attempt:    attempts,
			MaxRetries: r.cfg.Retry.MaxRetries,
			Alternates: alternatesOf(candidates, current),
		})
		if !decision.Retry {
			r.trust.Decay(current)
			r.logger.Warn("order routing exhausted",
				zap.String("order_id", order.ID.String()),
				zap.String("venue", current),
				zap.String("reason", reason),
				zap.Int("attempts", attempts))
			r.bus.Publish(events.Event{
				Type: events.TypeOrderFailed,
				Fields: map[string]interface{}{
					"order_id": order.ID.String(),
					"venue":    current,
					"reason":   reason,
				},
			})
			metrics.OrdersRouted.WithLabelValues("failed").Inc()
			return ExecutionResult{Success: false, Venue: current, Attempts: attempts, Reason: reason}
		}

		if decision.Delay > 0 {
			select {
			case <-ctx.Done():
				metrics.OrdersRouted.WithLabelValues("failed").Inc()
				return ExecutionResult{Success: false, Venue: current, Attempts: attempts, Reason: ctx.Err().Error()}
			case <-time.After(decision.Delay):
			}
		}
		if decision.NextVenue != "" {
			current = decision.NextVenue
		}
	}
}

// attempt places the order on one venue under the configured timeout.
func (r *Router) attempt(ctx context.Context, venueName string, order Order) (Fill, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[venueName]
	r.mu.RUnlock()
	if !ok {
		return Fill{}, ErrNoVenues
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	return adapter.PlaceOrder(attemptCtx, order)
}

func alternatesOf(candidates []string, current string) []string {
	if len(candidates) <= 1 {
		return nil
	}
	out := make([]string, 0, len(candidates)-1)
	for _, c := range candidates {
		if c != current {
			out = append(out, c)
		}
	}
	return out
}
