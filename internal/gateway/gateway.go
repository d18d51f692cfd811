// Package gateway composes the risk engine, capital-flow limiter and order
// routing into the single entry point trading strategies submit through.
// Validation happens strictly before any capital-affecting action commits;
// there is no compensating rollback path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/capitalflow"
	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/execution"
	"github.com/velocimex/riskgate/internal/governance"
	"github.com/velocimex/riskgate/internal/risk"
	"github.com/velocimex/riskgate/internal/venue"
)

// Rejection stages carried on denied submissions.
const (
	StageHalted    = "halted"
	StageRisk      = "risk"
	StageFlow      = "capital_flow"
	StageExecution = "execution"
)

var (
	ErrHalted       = errors.New("gateway: pipeline halted")
	ErrRiskRejected = errors.New("gateway: risk validation rejected")
	ErrFlowRejected = errors.New("gateway: capital flow rejected")
)

// Mode selects how an accepted order reaches the market.
type Mode int

const (
	// ModeDirect routes the full order through the smart order router.
	ModeDirect Mode = iota
	// ModeSliced hands the order to the execution algorithm, which hides
	// true size behind clips.
	ModeSliced
)

// OrderRequest is one candidate order submitted by a strategy.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Leverage   decimal.Decimal `json:"leverage"`
	Collateral decimal.Decimal `json:"collateral"`
	Mode       Mode            `json:"mode"`

	// Sliced-mode knobs; ignored for direct routing.
	Algorithm          execution.Algorithm `json:"algorithm"`
	ClipVariance       decimal.Decimal     `json:"clip_variance"`
	Duration           time.Duration       `json:"duration"`
	DetectionThreshold float64             `json:"detection_threshold"`
}

// Submission is the gateway's answer to one order request. A rejected
// submission names the stage that refused it and its enumerable reason.
type Submission struct {
	OrderID        uuid.UUID       `json:"order_id"`
	Accepted       bool            `json:"accepted"`
	Stage          string          `json:"stage,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	RiskViolations []risk.ValidationError `json:"risk_violations,omitempty"`
	// Routed carries the terminal router outcome for direct-mode orders.
	// Sliced-mode orders report progress through the executor instead.
	Routed *venue.ExecutionResult `json:"routed,omitempty"`
}

// Gateway wires risk validation, capital-flow limiting and execution into
// one pipeline. All collaborators are injected; the gateway owns none of
// their lifecycles.
type Gateway struct {
	engine   *risk.Engine
	limiter  *capitalflow.Limiter
	router   *venue.Router
	executor *execution.Executor
	bus      *events.Bus
	logger   *zap.Logger

	halted     atomic.Bool
	haltReason atomic.Value // string

	// Sliced-order context, keyed by parent order ID: clip fills arrive
	// through the executor's fill callback with no leverage or collateral
	// attached, so the accepted request is retained until the run ends.
	slicedMu sync.Mutex
	sliced   map[uuid.UUID]OrderRequest
}

func New(engine *risk.Engine, limiter *capitalflow.Limiter, router *venue.Router, executor *execution.Executor, bus *events.Bus, logger *zap.Logger) *Gateway {
	g := &Gateway{
		engine:   engine,
		limiter:  limiter,
		router:   router,
		executor: executor,
		bus:      bus,
		logger:   logger,
		sliced:   make(map[uuid.UUID]OrderRequest),
	}
	// Halt on any emergency stop the limiter raises so the whole pipeline
	// closes, not just capital flows.
	bus.Subscribe(events.TypeEmergencyStop, func(events.Event) {
		g.Halt("capital_flow_emergency_stop")
	})
	// Clip fills commit to the position table as they land; the retained
	// request context is released once the run reaches a terminal state.
	executor.SetFillCallback(g.onSlicedFill)
	forget := func(evt events.Event) {
		raw, ok := evt.Fields["order_id"].(string)
		if !ok {
			return
		}
		if id, err := uuid.Parse(raw); err == nil {
			g.forgetSliced(id)
		}
	}
	bus.Subscribe(events.TypeExecutionDone, forget)
	bus.Subscribe(events.TypeExecutionFailed, forget)
	g.haltReason.Store("")
	return g
}

// Halt stops all new submissions until Resume. In-flight sliced executions
// are paused by the executor's own controls, not here.
func (g *Gateway) Halt(reason string) {
	g.haltReason.Store(reason)
	if g.halted.CompareAndSwap(false, true) {
		g.logger.Warn("gateway halted", zap.String("reason", reason))
	}
}

// Resume re-opens the pipeline.
func (g *Gateway) Resume() {
	if g.halted.CompareAndSwap(true, false) {
		g.haltReason.Store("")
		g.logger.Info("gateway resumed")
	}
}

// Halted reports whether the pipeline refuses submissions, and why.
func (g *Gateway) Halted() (bool, string) {
	return g.halted.Load(), g.haltReason.Load().(string)
}

// SubmitOrder runs the full pipeline: halt gate, risk validation,
// capital-flow check, then routed or sliced execution and the post-trade
// position update. The first failing stage rejects the order outright.
func (g *Gateway) SubmitOrder(ctx context.Context, req OrderRequest) (Submission, error) {
	orderID := uuid.New()
	sub := Submission{OrderID: orderID}

	if g.halted.Load() {
		sub.Stage = StageHalted
		sub.Reason = g.haltReason.Load().(string)
		return sub, ErrHalted
	}

	candidate := g.projectedPosition(req)
	if result := g.engine.ValidatePosition(candidate); !result.Valid {
		sub.Stage = StageRisk
		sub.RiskViolations = result.Errors
		sub.Reason = result.Errors[0].Code
		g.logger.Warn("order rejected by risk engine",
			zap.String("order_id", orderID.String()),
			zap.String("symbol", req.Symbol),
			zap.Int("violations", len(result.Errors)))
		return sub, ErrRiskRejected
	}

	// The margin this order alone would commit is a capital outflow from
	// the strategy's free balance. The folded position's margin is not
	// used here: prior orders already paid for theirs.
	margin := risk.CalculateMarginRequirement(risk.Position{
		Symbol:     req.Symbol,
		Size:       req.Quantity,
		EntryPrice: req.Price,
		Leverage:   candidate.Leverage,
	})
	decision := g.limiter.ValidateFlow(capitalflow.Transfer, margin,
		fmt.Sprintf("margin commitment %s %s %s", req.Side, req.Quantity, req.Symbol))
	if !decision.Approved {
		sub.Stage = StageFlow
		sub.Reason = decision.Reason
		return sub, ErrFlowRejected
	}

	switch req.Mode {
	case ModeSliced:
		return g.submitSliced(ctx, orderID, req, sub)
	default:
		return g.submitDirect(ctx, orderID, req, candidate, sub)
	}
}

func (g *Gateway) submitDirect(ctx context.Context, orderID uuid.UUID, req OrderRequest, candidate risk.Position, sub Submission) (Submission, error) {
	result := g.router.ExecuteOrder(ctx, venue.Order{
		ID:       orderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	sub.Routed = &result
	if !result.Success {
		sub.Stage = StageExecution
		sub.Reason = result.Reason
		return sub, fmt.Errorf("gateway: routed execution failed: %s", result.Reason)
	}

	if err := g.commitFill(req.Symbol, req.Side, result.FilledQuantity, result.Price, candidate.Leverage, req.Collateral); err != nil {
		// The fill already happened at the venue; record the ledger
		// divergence loudly instead of pretending it did not.
		g.logger.Error("post-trade position update failed",
			zap.String("order_id", orderID.String()),
			zap.String("symbol", req.Symbol),
			zap.Error(err))
		sub.Stage = StageExecution
		sub.Reason = "position_update_failed"
		return sub, err
	}

	sub.Accepted = true
	g.logger.Info("order executed",
		zap.String("order_id", orderID.String()),
		zap.String("symbol", req.Symbol),
		zap.String("venue", result.Venue),
		zap.String("filled", result.FilledQuantity.String()))
	return sub, nil
}

func (g *Gateway) submitSliced(ctx context.Context, orderID uuid.UUID, req OrderRequest, sub Submission) (Submission, error) {
	if !req.Leverage.IsPositive() {
		req.Leverage = decimal.NewFromInt(1)
	}
	g.slicedMu.Lock()
	g.sliced[orderID] = req
	g.slicedMu.Unlock()

	err := g.executor.Begin(ctx, execution.Params{
		OrderID:            orderID,
		Symbol:             req.Symbol,
		Side:               req.Side,
		TotalQuantity:      req.Quantity,
		LimitPrice:         req.Price,
		Algorithm:          req.Algorithm,
		ClipVariance:       req.ClipVariance,
		Duration:           req.Duration,
		DetectionThreshold: req.DetectionThreshold,
	})
	if err != nil {
		g.forgetSliced(orderID)
		sub.Stage = StageExecution
		sub.Reason = err.Error()
		return sub, err
	}
	sub.Accepted = true
	g.logger.Info("sliced execution started",
		zap.String("order_id", orderID.String()),
		zap.String("symbol", req.Symbol),
		zap.String("quantity", req.Quantity.String()))
	return sub, nil
}

// ExecutionStatus reports a sliced order's progress.
func (g *Gateway) ExecutionStatus(orderID uuid.UUID) (execution.Result, error) {
	return g.executor.Status(orderID)
}

// CancelExecution cancels a sliced order, retaining filled quantity.
func (g *Gateway) CancelExecution(orderID uuid.UUID) (execution.Result, error) {
	res, err := g.executor.Cancel(orderID)
	if err == nil {
		g.forgetSliced(orderID)
	}
	return res, err
}

// onSlicedFill commits each clip fill to the position table using the
// leverage and collateral of the accepted parent request.
func (g *Gateway) onSlicedFill(orderID uuid.UUID, symbol, side string, quantity, price decimal.Decimal) {
	g.slicedMu.Lock()
	req, ok := g.sliced[orderID]
	g.slicedMu.Unlock()
	if !ok {
		g.logger.Warn("fill for unknown sliced order",
			zap.String("order_id", orderID.String()),
			zap.String("symbol", symbol))
		return
	}
	if err := g.commitFill(symbol, side, quantity, price, req.Leverage, req.Collateral); err != nil {
		g.logger.Error("sliced fill position update failed",
			zap.String("order_id", orderID.String()),
			zap.String("symbol", symbol),
			zap.Error(err))
	}
}

func (g *Gateway) forgetSliced(orderID uuid.UUID) {
	g.slicedMu.Lock()
	delete(g.sliced, orderID)
	g.slicedMu.Unlock()
}

// projectedPosition folds the request into the position the risk engine
// would hold if the order filled completely. Sells carry negative size.
func (g *Gateway) projectedPosition(req OrderRequest) risk.Position {
	size := req.Quantity
	if req.Side == "sell" {
		size = size.Neg()
	}
	if existing, ok := g.engine.Position(req.Symbol); ok {
		size = size.Add(existing.Size)
	}
	leverage := req.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return risk.Position{
		Symbol:     req.Symbol,
		Size:       size,
		EntryPrice: req.Price,
		Leverage:   leverage,
		Collateral: req.Collateral,
	}
}

// commitFill folds one filled quantity into the position table at the
// actual fill price. Sells carry negative size.
func (g *Gateway) commitFill(symbol, side string, filled, price, leverage, collateral decimal.Decimal) error {
	if !filled.IsPositive() {
		return nil
	}
	delta := filled
	if side == "sell" {
		delta = delta.Neg()
	}
	size := delta
	existing, exists := g.engine.Position(symbol)
	if exists {
		size = size.Add(existing.Size)
	}
	if size.IsZero() {
		if !exists {
			return nil
		}
		// Fill closed the position exactly.
		return g.engine.ClosePosition(symbol)
	}
	p := risk.Position{
		Symbol:     symbol,
		Size:       size,
		EntryPrice: price,
		Leverage:   leverage,
		Collateral: collateral,
	}
	if exists {
		_, err := g.engine.UpdatePosition(p)
		return err
	}
	_, err := g.engine.AddPosition(p)
	return err
}

// BindDeadman returns the action a dead-man's switch should run: halt the
// pipeline and leave resumption to an explicit operator or governance call.
func (g *Gateway) BindDeadman(name string) func(ctx context.Context, reason string) error {
	return func(ctx context.Context, reason string) error {
		g.Halt(fmt.Sprintf("deadman:%s:%s", name, reason))
		return nil
	}
}

// ApplyProposal is the governance execution hook. Each proposal kind maps
// onto exactly one gateway-side effect.
func (g *Gateway) ApplyProposal(p governance.Proposal) error {
	switch p.Kind {
	case governance.KindUpdateRiskLimits:
		g.engine.ReplaceLimits(*p.Payload.RiskLimits)
	case governance.KindUpdateFlowLimits:
		g.limiter.ReplaceLimits(p.Payload.FlowLimits)
	case governance.KindPauseTrading:
		g.Halt(fmt.Sprintf("governance:%s", p.Payload.Pause.Reason))
	case governance.KindResumeTrading:
		g.Resume()
	case governance.KindResetEmergencyStop:
		g.limiter.Reset()
	default:
		return fmt.Errorf("gateway: unhandled proposal kind %q", p.Kind)
	}
	g.logger.Info("governance proposal applied",
		zap.String("proposal_id", p.ID.String()),
		zap.String("kind", string(p.Kind)))
	return nil
}
