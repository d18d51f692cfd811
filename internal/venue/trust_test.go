package venue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/journal"
)

// recordingAppender captures journal writes for assertion.
type recordingAppender struct {
	mu       sync.Mutex
	types    []string
	entities []string
}

func (a *recordingAppender) Append(recordType, entity string, payload interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, recordType)
	a.entities = append(a.entities, entity)
	return nil
}

func TestTrustDefaultsAndBounds(t *testing.T) {
	tm := NewTrustManager(DefaultTrustConfig(), journal.Nop(), zap.NewNop())

	assert.Equal(t, 50.0, tm.Score("binance"))

	before := tm.Score("binance")
	after := tm.Improve("binance")
	assert.Greater(t, after, before)

	before = tm.Score("binance")
	after = tm.Decay("binance")
	assert.Less(t, after, before)

	// Scores stay inside [Min, Max] regardless of history length.
	for i := 0; i < 100; i++ {
		tm.Improve("binance")
	}
	assert.Equal(t, 100.0, tm.Score("binance"))

	for i := 0; i < 100; i++ {
		tm.Decay("binance")
	}
	assert.Equal(t, 0.0, tm.Score("binance"))
}

func TestTrustAdjustmentsJournalled(t *testing.T) {
	rec := &recordingAppender{}
	tm := NewTrustManager(DefaultTrustConfig(), rec, zap.NewNop())

	tm.Improve("binance")
	tm.Decay("okx")

	require.Len(t, rec.types, 2)
	assert.Equal(t, []string{journal.TypeTrustChange, journal.TypeTrustChange}, rec.types)
	assert.Equal(t, []string{"binance", "okx"}, rec.entities)
}

func TestRankedOrdersByDescendingTrust(t *testing.T) {
	tm := NewTrustManager(DefaultTrustConfig(), journal.Nop(), zap.NewNop())

	tm.Improve("okx")
	tm.Decay("bybit")

	ranked := tm.Ranked([]string{"binance", "bybit", "okx"})
	assert.Equal(t, []string{"okx", "binance", "bybit"}, ranked)
}

func TestRankedStableForUnseenVenues(t *testing.T) {
	tm := NewTrustManager(DefaultTrustConfig(), journal.Nop(), zap.NewNop())
	ranked := tm.Ranked([]string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, ranked)
}
