// Package deadman implements a heartbeat watchdog that fires a configured
// recovery action when liveness signals stop arriving.
package deadman

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/pkg/metrics"
)

var ErrNotRunning = errors.New("deadman: switch not running")

// Action is the recovery behaviour executed on trigger, e.g. flatten all
// positions or halt trading. It runs asynchronously; failures are reported
// as events, never swallowed.
type Action func(ctx context.Context, reason string) error

// Config for one switch instance.
type Config struct {
	// Enabled gates arming in the daemon; a switch with no heartbeat
	// source would otherwise trigger unconditionally.
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Name    string `mapstructure:"name" json:"name"`
	// Timeout is the interval within which a heartbeat must arrive.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// WarningTimeout, when set below Timeout, emits a warning event
	// before the beat is considered missed.
	WarningTimeout time.Duration `mapstructure:"warning_timeout" json:"warning_timeout"`
	// MaxMissedBeats missed timeouts trigger the action.
	MaxMissedBeats int `mapstructure:"max_missed_beats" json:"max_missed_beats"`
	// AutoRecover keeps the switch armed after a trigger; the next
	// heartbeat clears the triggered state. When false a trigger stops
	// the switch entirely.
	AutoRecover bool `mapstructure:"auto_recover" json:"auto_recover"`
}

// Status is a point-in-time snapshot of the switch.
type Status struct {
	Running       bool      `json:"running"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedBeats   int       `json:"missed_beats"`
	Triggered     bool      `json:"triggered"`
	TriggerCount  int       `json:"trigger_count"`
}

// Switch is the watchdog. All timer scheduling happens under the mutex;
// cancelling an already-fired or already-cancelled timer is a no-op.
type Switch struct {
	cfg    Config
	action Action
	bus    *events.Bus
	logger *zap.Logger

	mu            sync.Mutex
	running       bool
	timer         *time.Timer
	warnTimer     *time.Timer
	lastHeartbeat time.Time
	missedBeats   int
	triggered     bool
	triggerCount  int
}

func NewSwitch(cfg Config, action Action, bus *events.Bus, logger *zap.Logger) *Switch {
	if cfg.MaxMissedBeats <= 0 {
		cfg.MaxMissedBeats = 1
	}
	return &Switch{cfg: cfg, action: action, bus: bus, logger: logger}
}

// Start arms the switch. Starting an already-running switch is a no-op.
func (s *Switch) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.missedBeats = 0
	s.lastHeartbeat = time.Now()
	s.scheduleLocked()
	s.logger.Info("dead-man's switch armed",
		zap.String("name", s.cfg.Name),
		zap.Duration("timeout", s.cfg.Timeout),
		zap.Int("max_missed_beats", s.cfg.MaxMissedBeats))
}

// Stop disarms the switch and cancels pending timers. Idempotent.
func (s *Switch) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Switch) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	s.cancelTimersLocked()
	s.logger.Info("dead-man's switch disarmed", zap.String("name", s.cfg.Name))
}

func (s *Switch) cancelTimersLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.warnTimer != nil {
		s.warnTimer.Stop()
		s.warnTimer = nil
	}
}

// Heartbeat records a liveness signal, resets both timers and clears
// missed-beat state. When a previous trigger is standing and auto-recovery
// is enabled, the triggered flag clears here and nowhere else.
func (s *Switch) Heartbeat(metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}

	s.lastHeartbeat = time.Now()
	s.missedBeats = 0
	if s.triggered && s.cfg.AutoRecover {
		s.triggered = false
		s.logger.Info("dead-man's switch recovered on heartbeat",
			zap.String("name", s.cfg.Name))
	}
	s.cancelTimersLocked()
	s.scheduleLocked()

	s.logger.Debug("heartbeat received",
		zap.String("name", s.cfg.Name),
		zap.Any("metadata", metadata))
	return nil
}

// ForceTrigger fires the recovery action immediately with the given reason.
func (s *Switch) ForceTrigger(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked(reason)
}

// GetStatus returns the current switch status.
func (s *Switch) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:       s.running,
		LastHeartbeat: s.lastHeartbeat,
		MissedBeats:   s.missedBeats,
		Triggered:     s.triggered,
		TriggerCount:  s.triggerCount,
	}
}

func (s *Switch) scheduleLocked() {
	if s.cfg.WarningTimeout > 0 && s.cfg.WarningTimeout < s.cfg.Timeout {
		s.warnTimer = time.AfterFunc(s.cfg.WarningTimeout, s.onWarning)
	}
	s.timer = time.AfterFunc(s.cfg.Timeout, s.onTimeout)
}

func (s *Switch) onWarning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.logger.Warn("heartbeat overdue",
		zap.String("name", s.cfg.Name),
		zap.Time("last_heartbeat", s.lastHeartbeat))
	s.bus.Publish(events.Event{
		Type: events.TypeDeadmanWarning,
		Fields: map[string]interface{}{
			"name":           s.cfg.Name,
			"last_heartbeat": s.lastHeartbeat,
		},
	})
}

func (s *Switch) onTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.missedBeats++
	s.logger.Warn("heartbeat missed",
		zap.String("name", s.cfg.Name),
		zap.Int("missed_beats", s.missedBeats),
		zap.Int("max_missed_beats", s.cfg.MaxMissedBeats))

	if s.missedBeats < s.cfg.MaxMissedBeats {
		s.scheduleLocked()
		return
	}
	s.triggerLocked("heartbeat timeout")
}

// triggerLocked executes the recovery action exactly once per trigger
// event.
func (s *Switch) triggerLocked(reason string) {
	s.triggered = true
	s.triggerCount++
	s.missedBeats = 0
	metrics.DeadmanTriggers.WithLabelValues(s.cfg.Name).Inc()
	s.logger.Error("dead-man's switch triggered",
		zap.String("name", s.cfg.Name),
		zap.String("reason", reason),
		zap.Int("trigger_count", s.triggerCount))

	action := s.action
	name := s.cfg.Name
	bus := s.bus
	logger := s.logger
	go func() {
		evt := events.Event{
			Type: events.TypeDeadmanTrigger,
			Fields: map[string]interface{}{
				"name":   name,
				"reason": reason,
			},
		}
		if action != nil {
			if err := action(context.Background(), reason); err != nil {
				logger.Error("dead-man's switch action failed",
					zap.String("name", name),
					zap.Error(err))
				evt.Fields["action_error"] = err.Error()
			}
		}
		bus.Publish(evt)
	}()

	if s.cfg.AutoRecover {
		s.cancelTimersLocked()
		s.scheduleLocked()
	} else {
		s.stopLocked()
	}
}
