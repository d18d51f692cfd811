// Package events provides an explicit callback-registration bus replacing
// implicit listener fan-out. Delivery is synchronous and at-least-once per
// event type: every handler registered at publish time is invoked in
// registration order before Publish returns.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known event types emitted by the core components.
const (
	TypeFlowWarning     = "capitalflow.warning"
	TypeEmergencyStop   = "capitalflow.emergency_stop"
	TypeOrderExecuted   = "router.order_executed"
	TypeOrderFailed     = "router.order_failed"
	TypeClipFilled      = "execution.clip_filled"
	TypeExecutionDone   = "execution.completed"
	TypeExecutionFailed = "execution.failed"
	TypeDeadmanWarning  = "deadman.warning"
	TypeDeadmanTrigger  = "deadman.triggered"
	TypeProposalStatus  = "governance.proposal_status"
	TypeTimelockStatus  = "governance.timelock_status"
)

// Event is a single notification with a loosely typed payload. Fields must
// be treated as read-only by handlers.
type Event struct {
	Type   string
	At     time.Time
	Fields map[string]interface{}
}

// Handler consumes one event. Handlers must not block; long work belongs in
// the handler's own goroutine.
type Handler func(Event)

// Bus fans events out to handlers registered per event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish delivers the event to every handler registered for its type.
// Panicking handlers are recovered and logged so one subscriber cannot take
// down a publisher.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[evt.Type]))
	copy(handlers, b.handlers[evt.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(evt, h)
	}
}

func (b *Bus) deliver(evt Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", evt.Type),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}
