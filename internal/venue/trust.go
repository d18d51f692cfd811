package venue

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/pkg/metrics"
)

// TrustConfig bounds the reputation scalar and sets its movement per
// outcome. Venues with no history start at Default.
type TrustConfig struct {
	Min         float64 `mapstructure:"min" json:"min"`
	Max         float64 `mapstructure:"max" json:"max"`
	Default     float64 `mapstructure:"default" json:"default"`
	ImproveStep float64 `mapstructure:"improve_step" json:"improve_step"`
	DecayStep   float64 `mapstructure:"decay_step" json:"decay_step"`
}

// DefaultTrustConfig matches the routing layer's expectations: scores in
// [0,100], neutral start at 50, slow gain, faster loss.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{Min: 0, Max: 100, Default: 50, ImproveStep: 2, DecayStep: 5}
}

// TrustManager maintains the per-venue reputation score. Explicitly
// constructed and injected; never a process-wide singleton. Every score
// movement is journalled for audit.
type TrustManager struct {
	cfg     TrustConfig
	journal journal.Appender
	logger  *zap.Logger

	mu     sync.RWMutex
	scores map[string]float64
}

func NewTrustManager(cfg TrustConfig, jnl journal.Appender, logger *zap.Logger) *TrustManager {
	return &TrustManager{
		cfg:     cfg,
		journal: jnl,
		logger:  logger,
		scores:  make(map[string]float64),
	}
}

// Score returns the venue's current trust score, Default when unseen.
func (tm *TrustManager) Score(venue string) float64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if s, ok := tm.scores[venue]; ok {
		return s
	}
	return tm.cfg.Default
}

// Improve raises the venue's score by one step, clamped to Max.
func (tm *TrustManager) Improve(venue string) float64 {
	return tm.adjust(venue, tm.cfg.ImproveStep)
}

// Decay lowers the venue's score by one step, clamped to Min. Trust decays,
// it never zeroes out a venue permanently.
func (tm *TrustManager) Decay(venue string) float64 {
	return tm.adjust(venue, -tm.cfg.DecayStep)
}

func (tm *TrustManager) adjust(venue string, delta float64) float64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	score, ok := tm.scores[venue]
	if !ok {
		score = tm.cfg.Default
	}
	score += delta
	if score > tm.cfg.Max {
		score = tm.cfg.Max
	}
	if score < tm.cfg.Min {
		score = tm.cfg.Min
	}
	tm.scores[venue] = score
	metrics.VenueTrustScore.WithLabelValues(venue).Set(score)
	if err := tm.journal.Append(journal.TypeTrustChange, venue, struct {
		Venue string  `json:"venue"`
		Delta float64 `json:"delta"`
		Score float64 `json:"score"`
	}{venue, delta, score}); err != nil {
		tm.logger.Error("trust journal append failed",
			zap.String("venue", venue),
			zap.Error(err))
	}
	tm.logger.Debug("venue trust adjusted",
		zap.String("venue", venue),
		zap.Float64("delta", delta),
		zap.Float64("score", score))
	return score
}

// Ranked returns the venues ordered by descending trust. Ties keep the
// input order so rotation stays deterministic.
func (tm *TrustManager) Ranked(venues []string) []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	out := make([]string, len(venues))
	copy(out, venues)
	sort.SliceStable(out, func(i, j int) bool {
		si, ok := tm.scores[out[i]]
		if !ok {
			si = tm.cfg.Default
		}
		sj, ok := tm.scores[out[j]]
		if !ok {
			sj = tm.cfg.Default
		}
		return si > sj
	})
	return out
}
