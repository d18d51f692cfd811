package venue

import (
	"time"

	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/pkg/metrics"
)

// RetryPolicy bounds the retry behaviour for failed venue placements.
type RetryPolicy struct {
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

// DefaultRetryPolicy is three attempts with 100ms..2s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// RetryContext carries everything the retry engine needs to decide.
type RetryContext struct {
	Symbol     string   `json:"symbol"`
	Venue      string   `json:"venue"`
	Reason     string   `json:"reason"`
	Attempt    int      `json:"attempt"` // zero-based count of attempts already made
	MaxRetries int      `json:"max_retries"`
	Alternates []string `json:"alternates,omitempty"`
}

// RetryDecision is the engine's verdict for one failure.
type RetryDecision struct {
	Retry     bool          `json:"retry"`
	Delay     time.Duration `json:"delay"`
	NextVenue string        `json:"next_venue,omitempty"`
}

// RetryEngine computes backoff delay and venue rotation for failed
// placements. Every decision is journalled for audit.
type RetryEngine struct {
	policy  RetryPolicy
	logger  *zap.Logger
	journal journal.Appender
}

func NewRetryEngine(policy RetryPolicy, jnl journal.Appender, logger *zap.Logger) *RetryEngine {
	return &RetryEngine{policy: policy, logger: logger, journal: jnl}
}

// Decide returns whether to retry, how long to wait, and which venue to try
// next. Once attempt >= maxRetries it returns Retry=false and the caller
// must decay the failing venue's trust.
func (re *RetryEngine) Decide(rc RetryContext) RetryDecision {
	maxRetries := rc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = re.policy.MaxRetries
	}

	decision := RetryDecision{}
	if rc.Attempt < maxRetries {
		decision.Retry = true
		decision.Delay = re.backoff(rc.Attempt)
		decision.NextVenue = re.rotate(rc)
		metrics.VenueRetries.WithLabelValues(rc.Venue).Inc()
	}

	re.logger.Info("retry decision",
		zap.String("symbol", rc.Symbol),
		zap.String("venue", rc.Venue),
		zap.String("reason", rc.Reason),
		zap.Int("attempt", rc.Attempt),
		zap.Bool("retry", decision.Retry),
		zap.Duration("delay", decision.Delay),
		zap.String("next_venue", decision.NextVenue))
	if err := re.journal.Append(journal.TypeRetryAttempt, rc.Symbol, struct {
		RetryContext
		RetryDecision
	}{rc, decision}); err != nil {
		re.logger.Error("retry journal append failed", zap.Error(err))
	}
	return decision
}

// backoff is exponential in the attempt count, capped at MaxDelay.
func (re *RetryEngine) backoff(attempt int) time.Duration {
	delay := re.policy.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= re.policy.MaxDelay {
			return re.policy.MaxDelay
		}
	}
	if delay > re.policy.MaxDelay {
		return re.policy.MaxDelay
	}
	return delay
}

// rotate picks the next candidate venue round-robin through the alternates
// rather than re-trying the failed one, when alternates exist.
func (re *RetryEngine) rotate(rc RetryContext) string {
	if len(rc.Alternates) == 0 {
		return rc.Venue
	}
	idx := rc.Attempt % len(rc.Alternates)
	next := rc.Alternates[idx]
	if next == rc.Venue && len(rc.Alternates) > 1 {
		next = rc.Alternates[(idx+1)%len(rc.Alternates)]
	}
	return next
}
