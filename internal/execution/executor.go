package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/internal/venue"
	"github.com/velocimex/riskgate/pkg/metrics"
)

// ClipRouter places one clip. *venue.Router satisfies this.
type ClipRouter interface {
	ExecuteOrder(ctx context.Context, order venue.Order) venue.ExecutionResult
}

// FillCallback observes every clip fill as it commits to the run's
// accounting. The gateway registers one to keep the position table in step
// with sliced executions.
type FillCallback func(orderID uuid.UUID, symbol, side string, quantity, price decimal.Decimal)

// ExecutorConfig holds the scheduler settings shared by all parent orders.
type ExecutorConfig struct {
	// Interval between execution-loop passes.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	// MaxActiveOrders bounds concurrently running parent orders.
	MaxActiveOrders int `mapstructure:"max_active_orders" json:"max_active_orders"`
}

// Executor runs the periodic clip loop for every active parent order.
// Passes over a single order never overlap; separate orders execute in
// parallel.
type Executor struct {
	cfg      ExecutorConfig
	router   ClipRouter
	analyzer MarketAnalyzer
	bus      *events.Bus
	journal  journal.Appender
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	runs   map[uuid.UUID]*run
	done   map[uuid.UUID]Result
	onFill FillCallback

	running  int32
	stopChan chan struct{}
	workerWg sync.WaitGroup
}

// run is the mutable state of one parent order. Access goes through mu;
// inPass guarantees the loop never makes two concurrent passes.
type run struct {
	mu     sync.Mutex
	inPass atomic.Bool

	params   Params
	state    State
	snapshot MarketSnapshot

	executed      decimal.Decimal
	remaining     decimal.Decimal
	visible       decimal.Decimal
	notional      decimal.Decimal
	clips         []Clip
	fillTimes     []time.Time
	detectionRisk float64
	failures      int
	perVenue      map[string]decimal.Decimal
	reason        string
	rng           *rand.Rand
	startedAt     time.Time
}

func NewExecutor(cfg ExecutorConfig, router ClipRouter, analyzer MarketAnalyzer, bus *events.Bus, jnl journal.Appender, logger *zap.SugaredLogger) *Executor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxActiveOrders <= 0 {
		cfg.MaxActiveOrders = 256
	}
	return &Executor{
		cfg:      cfg,
		router:   router,
		analyzer: analyzer,
		bus:      bus,
		journal:  jnl,
		logger:   logger,
		runs:     make(map[uuid.UUID]*run),
		done:     make(map[uuid.UUID]Result),
		stopChan: make(chan struct{}),
	}
}

// SetFillCallback registers the per-fill observer. Must be called before
// Start.
func (ex *Executor) SetFillCallback(cb FillCallback) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.onFill = cb
}

// Start launches the execution loop workers.
func (ex *Executor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&ex.running, 0, 1) {
		return nil // already running
	}
	// A fresh stop channel every start: Stop closed the previous one, and a
	// restarted loop must not see that closed channel.
	ex.mu.Lock()
	ex.stopChan = make(chan struct{})
	stopChan := ex.stopChan
	ex.mu.Unlock()
	ex.logger.Info("starting execution scheduler")
	ex.workerWg.Add(1)
	go ex.loop(ctx, stopChan)
	return nil
}

// Stop halts the scheduler. Active orders keep their state and resume if
// the executor is restarted.
func (ex *Executor) Stop() {
	if !atomic.CompareAndSwapInt32(&ex.running, 1, 0) {
		return
	}
	ex.mu.Lock()
	close(ex.stopChan)
	ex.mu.Unlock()
	ex.workerWg.Wait()
}

// Begin validates parameters, analyzes the market and activates a parent
// order in the clip loop.
func (ex *Executor) Begin(ctx context.Context, params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if params.OrderID == uuid.Nil {
		params.OrderID = uuid.New()
	}
	if params.DetectionThreshold <= 0 {
		params.DetectionThreshold = 0.7
	}
	if params.MaxPlacementFailures <= 0 {
		params.MaxPlacementFailures = 5
	}

	snapshot, err := ex.analyzer.Analyze(ctx, params.Symbol)
	if err != nil {
		return fmt.Errorf("execution: market analysis: %w", err)
	}

	r := &run{
		params:    params,
		state:     StateActive,
		snapshot:  snapshot,
		executed:  decimal.Zero,
		remaining: params.TotalQuantity,
		notional:  decimal.Zero,
		perVenue:  make(map[string]decimal.Decimal),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		startedAt: time.Now(),
	}
	r.visible = initialClipSize(params, snapshot)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, exists := ex.runs[params.OrderID]; exists {
		return ErrOrderActive
	}
	if len(ex.runs) >= ex.cfg.MaxActiveOrders {
		return fmt.Errorf("execution: active order limit %d reached", ex.cfg.MaxActiveOrders)
	}
	ex.runs[params.OrderID] = r

	ex.logger.Debugw("execution started",
		"order_id", params.OrderID,
		"symbol", params.Symbol,
		"total_quantity", params.TotalQuantity,
		"initial_clip", r.visible)
	return nil
}

// Cancel terminates a parent order. Filled quantity is retained; nothing
// further is placed.
func (ex *Executor) Cancel(orderID uuid.UUID) (Result, error) {
	ex.mu.RLock()
	r, ok := ex.runs[orderID]
	if !ok {
		res, finished := ex.done[orderID]
		ex.mu.RUnlock()
		if finished {
			return res, nil
		}
		return Result{}, ErrOrderNotFound
	}
	ex.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return ex.resultLocked(r), nil
	}
	r.state = StateCancelled
	r.reason = "cancelled"
	res := ex.resultLocked(r)
	ex.finish(r, res)
	return res, nil
}

// Pause suspends clip placement without losing state.
func (ex *Executor) Pause(orderID uuid.UUID) error {
	return ex.transition(orderID, StateActive, StatePaused)
}

// Resume reactivates a paused order.
func (ex *Executor) Resume(orderID uuid.UUID) error {
	return ex.transition(orderID, StatePaused, StateActive)
}

func (ex *Executor) transition(orderID uuid.UUID, from, to State) error {
	ex.mu.RLock()
	r, ok := ex.runs[orderID]
	ex.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("execution: order %s is %s, not %s", orderID, r.state, from)
	}
	r.state = to
	return nil
}

// Status returns the live view of one parent order.
func (ex *Executor) Status(orderID uuid.UUID) (Result, error) {
	ex.mu.RLock()
	r, ok := ex.runs[orderID]
	if !ok {
		res, finished := ex.done[orderID]
		ex.mu.RUnlock()
		if finished {
			return res, nil
		}
		return Result{}, ErrOrderNotFound
	}
	ex.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return ex.resultLocked(r), nil
}

func (ex *Executor) loop(ctx context.Context, stopChan <-chan struct{}) {
	defer ex.workerWg.Done()
	ticker := time.NewTicker(ex.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			ex.tick(ctx)
		}
	}
}

// tick dispatches one pass per active order. The inPass guard keeps a slow
// pass from overlapping the next tick's pass on the same order.
func (ex *Executor) tick(ctx context.Context) {
	ex.mu.RLock()
	active := make([]*run, 0, len(ex.runs))
	for _, r := range ex.runs {
		active = append(active, r)
	}
	ex.mu.RUnlock()

	for _, r := range active {
		if !r.inPass.CompareAndSwap(false, true) {
			continue
		}
		ex.workerWg.Add(1)
		go func(r *run) {
			defer ex.workerWg.Done()
			defer r.inPass.Store(false)
			ex.pass(ctx, r)
		}(r)
	}
}

// pass places at most one clip for the order.
func (ex *Executor) pass(ctx context.Context, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateActive, StateAdjusting:
	default:
		return
	}

	clipSize := ex.nextClipSizeLocked(r)
	if !clipSize.IsPositive() {
		return
	}

	clip := Clip{
		ID:       uuid.New(),
		Quantity: clipSize,
		Price:    r.params.LimitPrice,
		PlacedAt: time.Now(),
	}

	res := ex.router.ExecuteOrder(ctx, venue.Order{
		ID:       clip.ID,
		Symbol:   r.params.Symbol,
		Side:     r.params.Side,
		Quantity: clip.Quantity,
		Price:    clip.Price,
	})
	metrics.ClipsPlaced.Inc()

	if !res.Success {
		r.failures++
		ex.logger.Warnw("clip placement failed",
			"order_id", r.params.OrderID,
			"clip_id", clip.ID,
			"reason", res.Reason,
			"failures", r.failures)
		if r.failures > r.params.MaxPlacementFailures {
			r.state = StateFailed
			r.reason = fmt.Sprintf("placement failures exceeded budget: %s", res.Reason)
			result := ex.resultLocked(r)
			ex.bus.Publish(events.Event{
				Type: events.TypeExecutionFailed,
				Fields: map[string]interface{}{
					"order_id": r.params.OrderID.String(),
					"reason":   r.reason,
				},
			})
			ex.finish(r, result)
		}
		return
	}

	clip.FilledQuantity = res.FilledQuantity
	clip.Venue = res.Venue
	clip.Price = res.Price
	r.clips = append(r.clips, clip)
	r.fillTimes = append(r.fillTimes, time.Now())
	r.executed = r.executed.Add(res.FilledQuantity)
	r.remaining = r.remaining.Sub(res.FilledQuantity)
	r.notional = r.notional.Add(res.FilledQuantity.Mul(res.Price))
	cur, ok := r.perVenue[res.Venue]
	if !ok {
		cur = decimal.Zero
	}
	r.perVenue[res.Venue] = cur.Add(res.FilledQuantity)

	if err := ex.journal.Append(journal.TypeFill, r.params.OrderID.String(), clip); err != nil {
		ex.logger.Errorw("fill journal append failed", "error", err)
	}
	ex.mu.RLock()
	onFill := ex.onFill
	ex.mu.RUnlock()
	if onFill != nil {
		onFill(r.params.OrderID, r.params.Symbol, r.params.Side, res.FilledQuantity, res.Price)
	}
	ex.bus.Publish(events.Event{
		Type: events.TypeClipFilled,
		Fields: map[string]interface{}{
			"order_id": r.params.OrderID.String(),
			"clip_id":  clip.ID.String(),
			"venue":    res.Venue,
			"quantity": res.FilledQuantity.String(),
		},
	})

	ex.updateDetectionLocked(r)

	if !r.remaining.IsPositive() {
		r.state = StateCompleted
		result := ex.resultLocked(r)
		ex.logger.Infow("execution completed",
			"order_id", r.params.OrderID,
			"executed", result.Executed,
			"avg_price", result.AvgPrice,
			"clips", result.Clips)
		ex.bus.Publish(events.Event{
			Type: events.TypeExecutionDone,
			Fields: map[string]interface{}{
				"order_id": r.params.OrderID.String(),
				"executed": result.Executed.String(),
			},
		})
		ex.finish(r, result)
	}
}

// updateDetectionLocked recomputes the detection-risk score and moves the
// order between ACTIVE and ADJUSTING around the configured threshold.
func (ex *Executor) updateDetectionLocked(r *run) {
	r.detectionRisk = detectionScore(r.fillTimes, r.clips, r.snapshot.P90TradeSize)
	metrics.DetectionRisk.WithLabelValues(r.params.OrderID.String()).Set(r.detectionRisk)

	switch {
	case r.state == StateActive && r.detectionRisk > r.params.DetectionThreshold:
		r.state = StateAdjusting
		ex.logger.Warnw("detection risk above threshold, adjusting footprint",
			"order_id", r.params.OrderID,
			"risk", r.detectionRisk)
	case r.state == StateAdjusting && r.detectionRisk < r.params.DetectionThreshold*0.8:
		r.state = StateActive
	}
}

func (ex *Executor) resultLocked(r *run) Result {
	res := Result{
		OrderID:  r.params.OrderID,
		State:    r.state,
		Executed: r.executed,
		PerVenue: make(map[string]decimal.Decimal, len(r.perVenue)),
		Clips:    len(r.clips),
		Reason:   r.reason,
	}
	for v, q := range r.perVenue {
		res.PerVenue[v] = q
	}
	if r.executed.IsPositive() {
		res.AvgPrice = r.notional.Div(r.executed)
		if r.params.LimitPrice.IsPositive() {
			slip := res.AvgPrice.Sub(r.params.LimitPrice).Div(r.params.LimitPrice)
			if r.params.Side == "sell" {
				slip = slip.Neg()
			}
			res.Slippage = slip
		}
	}
	return res
}

// finish drops a terminal run from the active table. Caller holds r.mu.
func (ex *Executor) finish(r *run, result Result) {
	if err := ex.journal.Append(journal.TypeFill, r.params.OrderID.String(), result); err != nil {
		ex.logger.Errorw("result journal append failed", "error", err)
	}
	ex.mu.Lock()
	delete(ex.runs, r.params.OrderID)
	ex.done[r.params.OrderID] = result
	ex.mu.Unlock()
}
