// Package capitalflow rate-limits capital movement over rolling time
// windows. Every request is checked before commit; there is no post-hoc
// correction path.
package capitalflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/pkg/metrics"
)

// Direction classifies a capital movement.
type Direction int

const (
	Inflow Direction = iota
	Outflow
	Transfer
)

func (d Direction) String() string {
	switch d {
	case Inflow:
		return "inflow"
	case Outflow:
		return "outflow"
	case Transfer:
		return "transfer"
	}
	return "unknown"
}

// Rejection reasons carried on denied decisions.
const (
	ReasonEmergencyStop = "emergency_stop"
	ReasonHalted        = "limiter_halted"
)

// WindowLimit caps approved outflow/transfer volume inside one rolling
// window. MaxAmount and MaxPercent (of total capital) may both be set; the
// tighter one binds. A zero value means the bound is not configured.
type WindowLimit struct {
	Name       string          `mapstructure:"name" json:"name"`
	Window     time.Duration   `mapstructure:"window" json:"window"`
	MaxAmount  decimal.Decimal `mapstructure:"max_amount" json:"max_amount"`
	MaxPercent decimal.Decimal `mapstructure:"max_percent" json:"max_percent"`
}

func (w WindowLimit) effectiveLimit(totalCapital decimal.Decimal) decimal.Decimal {
	limit := w.MaxAmount
	if w.MaxPercent.IsPositive() {
		pct := totalCapital.Mul(w.MaxPercent)
		if limit.IsZero() || pct.LessThan(limit) {
			limit = pct
		}
	}
	return limit
}

// Config holds the limiter's immutable construction parameters.
type Config struct {
	TotalCapital decimal.Decimal `mapstructure:"total_capital" json:"total_capital"`
	Limits       []WindowLimit   `mapstructure:"limits" json:"limits"`
	// WarnPercent of total capital moved in the largest window emits a
	// warning event; EmergencyStopPercent halts all non-inflow approvals
	// until Reset.
	WarnPercent          decimal.Decimal `mapstructure:"warn_percent" json:"warn_percent"`
	EmergencyStopPercent decimal.Decimal `mapstructure:"emergency_stop_percent" json:"emergency_stop_percent"`
	// RetainFor bounds how long history is kept; must cover the largest
	// configured window.
	RetainFor time.Duration `mapstructure:"retain_for" json:"retain_for"`
}

// FlowEvent is one append-only history entry. Rejected requests are
// recorded too, for full audit reconstruction.
type FlowEvent struct {
	ID          uuid.UUID       `json:"id"`
	Direction   Direction       `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
	Approved    bool            `json:"approved"`
	Reason      string          `json:"reason,omitempty"`
}

// Decision is the outcome of one ValidateFlow call.
type Decision struct {
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	Event    FlowEvent `json:"event"`
}

// Limiter enforces the rolling-window limits. Safe for concurrent use.
type Limiter struct {
	cfg     Config
	logger  *zap.Logger
	bus     *events.Bus
	journal journal.Appender

	mu      sync.Mutex
	history []FlowEvent
	stopped bool
	now     func() time.Time
}

func NewLimiter(cfg Config, bus *events.Bus, jnl journal.Appender, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		journal: jnl,
		now:     time.Now,
	}
}

// ValidateFlow decides one proposed capital movement. Inflows are always
// approved; outflows and transfers are checked against every configured
// window before the event is committed to history.
func (l *Limiter) ValidateFlow(direction Direction, amount decimal.Decimal, description string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evt := FlowEvent{
		ID:          uuid.New(),
		Direction:   direction,
		Amount:      amount,
		Description: description,
		Timestamp:   now,
	}

	reason := l.checkLocked(direction, amount, now)
	evt.Approved = reason == ""
	evt.Reason = reason

	l.history = append(l.history, evt)
	l.pruneLocked(now)
	if err := l.journal.Append(journal.TypeFlowEvent, evt.ID.String(), evt); err != nil {
		l.logger.Error("flow event journal append failed", zap.Error(err))
	}

	if !evt.Approved {
		l.logger.Warn("capital flow rejected",
			zap.String("direction", direction.String()),
			zap.String("amount", amount.String()),
			zap.String("reason", reason))
	}
	return Decision{Approved: evt.Approved, Reason: reason, Event: evt}
}

// checkLocked returns an empty string when the flow is approvable, or the
// enumerable rejection reason.
func (l *Limiter) checkLocked(direction Direction, amount decimal.Decimal, now time.Time) string {
	if direction == Inflow {
		return ""
	}
	if l.stopped {
		return ReasonHalted
	}

	for _, wl := range l.cfg.Limits {
		limit := wl.effectiveLimit(l.cfg.TotalCapital)
		if !limit.IsPositive() {
			continue
		}
		projected := l.windowTotalLocked(wl.Window, now).Add(amount)
		if projected.GreaterThan(limit) {
			metrics.FlowsRejected.WithLabelValues(wl.Name).Inc()
			return fmt.Sprintf("window_limit:%s", wl.Name)
		}
	}

	// Emergency stop and warning thresholds are fractions of total
	// capital moved inside the retention horizon.
	moved := l.windowTotalLocked(l.cfg.RetainFor, now).Add(amount)
	if l.cfg.EmergencyStopPercent.IsPositive() {
		stopAt := l.cfg.TotalCapital.Mul(l.cfg.EmergencyStopPercent)
		if moved.GreaterThanOrEqual(stopAt) {
			l.stopped = true
			l.logger.Error("capital flow emergency stop engaged",
				zap.String("moved", moved.String()),
				zap.String("threshold", stopAt.String()))
			l.bus.Publish(events.Event{
				Type: events.TypeEmergencyStop,
				Fields: map[string]interface{}{
					"moved":     moved.String(),
					"threshold": stopAt.String(),
				},
			})
			return ReasonEmergencyStop
		}
	}
	if l.cfg.WarnPercent.IsPositive() {
		warnAt := l.cfg.TotalCapital.Mul(l.cfg.WarnPercent)
		if moved.GreaterThanOrEqual(warnAt) {
			l.bus.Publish(events.Event{
				Type: events.TypeFlowWarning,
				Fields: map[string]interface{}{
					"moved":     moved.String(),
					"threshold": warnAt.String(),
				},
			})
		}
	}
	return ""
}

// windowTotalLocked sums approved outflow/transfer amounts inside the
// window ending now.
func (l *Limiter) windowTotalLocked(window time.Duration, now time.Time) decimal.Decimal {
	if window <= 0 {
		return decimal.Zero
	}
	cutoff := now.Add(-window)
	total := decimal.Zero
	for _, evt := range l.history {
		if !evt.Approved || evt.Direction == Inflow {
			continue
		}
		if evt.Timestamp.Before(cutoff) {
			continue
		}
		total = total.Add(evt.Amount)
	}
	return total
}

func (l *Limiter) pruneLocked(now time.Time) {
	if l.cfg.RetainFor <= 0 {
		return
	}
	cutoff := now.Add(-l.cfg.RetainFor)
	idx := 0
	for idx < len(l.history) && l.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		l.history = l.history[idx:]
	}
}

// ReplaceLimits swaps the window limits. Reserved for the governance
// execution path; retained history is re-evaluated against the new limits
// on the next ValidateFlow.
func (l *Limiter) ReplaceLimits(limits []WindowLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Limits = limits
	l.logger.Info("capital flow limits replaced", zap.Int("count", len(limits)))
}

// Stopped reports whether the emergency stop is engaged.
func (l *Limiter) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Reset clears the emergency stop. Only an explicit operator or governance
// action should call this.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = false
	l.logger.Info("capital flow emergency stop reset")
}

// History returns a copy of the retained event history.
func (l *Limiter) History() []FlowEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FlowEvent, len(l.history))
	copy(out, l.history)
	return out
}
