package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flowPayload struct {
	Amount string `json:"amount"`
	Kind   string `json:"kind"`
}

func TestAppendAndReplayInOrder(t *testing.T) {
	j, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(TypeFlowEvent, "acct-1", flowPayload{Amount: "100", Kind: "outflow"}))
	require.NoError(t, j.Append(TypeFlowEvent, "acct-1", flowPayload{Amount: "250", Kind: "outflow"}))
	require.NoError(t, j.Append(TypeFill, "order-1", flowPayload{Amount: "7", Kind: "fill"}))

	var entities []string
	var seqs []uint64
	err = j.Replay(TypeFlowEvent, func(rec Record) error {
		entities = append(entities, rec.Entity)
		seqs = append(seqs, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-1"}, entities)
	require.Len(t, seqs, 2)
	assert.Less(t, seqs[0], seqs[1])
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append(TypeFill, "order-1", flowPayload{Amount: "1"}))
	require.NoError(t, j.Append(TypeFill, "order-1", flowPayload{Amount: "2"}))
	require.NoError(t, j.Close())

	j, err = Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append(TypeFill, "order-1", flowPayload{Amount: "3"}))

	var seqs []uint64
	err = j.Replay(TypeFill, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seqs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
