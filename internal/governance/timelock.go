package governance

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
)

// OperationStatus is the time-locked operation lifecycle.
type OperationStatus int

const (
	OpPending OperationStatus = iota
	OpCancelled
	OpExecuted
	OpFailed
)

func (s OperationStatus) String() string {
	switch s {
	case OpPending:
		return "pending"
	case OpCancelled:
		return "cancelled"
	case OpExecuted:
		return "executed"
	case OpFailed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrOperationNotFound = errors.New("governance: operation not found")
	ErrNotCancellable    = errors.New("governance: operation not cancellable")
	ErrOperationSettled  = errors.New("governance: operation already settled")
)

// Operation is one delayed action.
type Operation struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Payload     Payload         `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ExecuteAt   time.Time       `json:"execute_at"`
	Cancellable bool            `json:"cancellable"`
	Status      OperationStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// OperationExecutor performs the delayed action and returns a description
// of its result.
type OperationExecutor func(op Operation) (string, error)

// TimeLockConfig clamps every requested delay to [MinDelay, MaxDelay].
type TimeLockConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

// TimeLock schedules operations for delayed, exactly-once execution.
type TimeLock struct {
	cfg     TimeLockConfig
	logger  *zap.Logger
	bus     *events.Bus
	journal journal.Appender

	mu     sync.Mutex
	ops    map[uuid.UUID]*Operation
	timers map[uuid.UUID]*time.Timer
}

func NewTimeLock(cfg TimeLockConfig, bus *events.Bus, jnl journal.Appender, logger *zap.Logger) *TimeLock {
	return &TimeLock{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		journal: jnl,
		ops:     make(map[uuid.UUID]*Operation),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// ScheduleOperation validates the payload, clamps the delay and arms a
// single-shot timer firing at executeAt.
func (tl *TimeLock) ScheduleOperation(kind string, payload Payload, delay time.Duration, cancellable bool, executor OperationExecutor) (Operation, error) {
	if err := payload.Validate(); err != nil {
		return Operation{}, err
	}

	if delay < tl.cfg.MinDelay {
		delay = tl.cfg.MinDelay
	}
	if tl.cfg.MaxDelay > 0 && delay > tl.cfg.MaxDelay {
		delay = tl.cfg.MaxDelay
	}

	now := time.Now()
	op := &Operation{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   now,
		ExecuteAt:   now.Add(delay),
		Cancellable: cancellable,
		Status:      OpPending,
	}

	tl.mu.Lock()
	tl.ops[op.ID] = op
	tl.timers[op.ID] = time.AfterFunc(delay, func() {
		tl.fire(op.ID, executor)
	})
	tl.mu.Unlock()

	tl.logger.Info("operation scheduled",
		zap.String("operation_id", op.ID.String()),
		zap.String("kind", kind),
		zap.Duration("delay", delay),
		zap.Bool("cancellable", cancellable))
	if err := tl.journal.Append(journal.TypeTimelock, op.ID.String(), op); err != nil {
		tl.logger.Error("timelock journal append failed", zap.Error(err))
	}
	return *op, nil
}

// fire executes the operation exactly once. A concurrent cancel that won
// the race leaves the status non-pending and fire becomes a no-op.
func (tl *TimeLock) fire(id uuid.UUID, executor OperationExecutor) {
	tl.mu.Lock()
	op, ok := tl.ops[id]
	if !ok || op.Status != OpPending {
		tl.mu.Unlock()
		return
	}
	if time.Now().Before(op.ExecuteAt) {
		// Timer fired early (clock adjustment); re-arm for the
		// remaining wait instead of executing ahead of schedule.
		remaining := time.Until(op.ExecuteAt)
		tl.timers[id] = time.AfterFunc(remaining, func() { tl.fire(id, executor) })
		tl.mu.Unlock()
		return
	}
	// Claim execution under the lock, run the executor outside it.
	op.Status = OpExecuted
	snapshot := *op
	delete(tl.timers, id)
	tl.mu.Unlock()

	result, err := executor(snapshot)

	tl.mu.Lock()
	if err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
	} else {
		op.Result = result
	}
	status := op.Status
	tl.mu.Unlock()

	if err != nil {
		tl.logger.Error("operation execution failed",
			zap.String("operation_id", id.String()),
			zap.Error(err))
	} else {
		tl.logger.Info("operation executed",
			zap.String("operation_id", id.String()),
			zap.String("result", result))
	}
	tl.bus.Publish(events.Event{
		Type: events.TypeTimelockStatus,
		Fields: map[string]interface{}{
			"operation_id": id.String(),
			"status":       status.String(),
		},
	})
	if jerr := tl.journal.Append(journal.TypeTimelock, id.String(), op); jerr != nil {
		tl.logger.Error("timelock journal append failed", zap.Error(jerr))
	}
}

// CancelOperation removes a pending, cancellable operation and stops its
// timer. Stopping an already-fired timer is a no-op.
func (tl *TimeLock) CancelOperation(id uuid.UUID) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	op, ok := tl.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != OpPending {
		return ErrOperationSettled
	}
	if !op.Cancellable {
		return ErrNotCancellable
	}

	op.Status = OpCancelled
	if timer, ok := tl.timers[id]; ok {
		timer.Stop()
		delete(tl.timers, id)
	}
	tl.logger.Info("operation cancelled", zap.String("operation_id", id.String()))
	tl.bus.Publish(events.Event{
		Type: events.TypeTimelockStatus,
		Fields: map[string]interface{}{
			"operation_id": id.String(),
			"status":       op.Status.String(),
		},
	})
	return nil
}

// GetOperation returns a copy of the operation.
func (tl *TimeLock) GetOperation(id uuid.UUID) (Operation, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	op, ok := tl.ops[id]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return *op, nil
}

// Shutdown stops every pending timer without executing the operations.
func (tl *TimeLock) Shutdown() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for id, timer := range tl.timers {
		timer.Stop()
		delete(tl.timers, id)
	}
}
