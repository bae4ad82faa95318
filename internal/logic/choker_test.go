package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callistan/riptide/internal/pieces"
	"github.com/callistan/riptide/internal/shared/models"
)

func chokerWorkers(t *testing.T) map[string]*peerWorker {
	t.Helper()
	meta, _ := buildTestTorrent(t, 1, pieces.BlockSize)

	workers := make(map[string]*peerWorker)
	for _, key := range []string{"fast", "slow", "idle"} {
		w, _, _ := newWorkerUnderTest(t, meta, Config{})
		w.key = key
		workers[key] = w
	}
	return workers
}

func TestRunChokeRoundUnchokesTopPeers(t *testing.T) {
	workers := chokerWorkers(t)
	workers["fast"].window.Add(4096)
	workers["slow"].window.Add(128)

	runChokeRound(workers, 1, "", discardLogger())

	assert.False(t, workers["fast"].isChoking())
	assert.True(t, workers["slow"].isChoking())
	assert.True(t, workers["idle"].isChoking())
}

func TestRunChokeRoundKeepsOptimisticUnchoked(t *testing.T) {
	workers := chokerWorkers(t)
	workers["fast"].window.Add(4096)
	workers["slow"].window.Add(128)

	runChokeRound(workers, 1, "idle", discardLogger())

	assert.False(t, workers["fast"].isChoking())
	assert.False(t, workers["idle"].isChoking(), "optimistic peer stays unchoked regardless of rank")
	assert.True(t, workers["slow"].isChoking())
}

func TestRunChokeRoundResetsThroughputWindow(t *testing.T) {
	workers := chokerWorkers(t)
	workers["fast"].window.Add(4096)

	runChokeRound(workers, 1, "", discardLogger())
	require.Zero(t, workers["fast"].window.Load())

	// without new traffic a second round has no winner bytes
	runChokeRound(workers, 1, "", discardLogger())
	assert.False(t, workers["fast"].isChoking(), "ties keep a deterministic order")
}

func TestPickOptimistic(t *testing.T) {
	workers := chokerWorkers(t)

	t.Run("no interested peer keeps the current pick", func(t *testing.T) {
		assert.Equal(t, "fast", pickOptimistic(workers, "fast"))
	})

	t.Run("prefers choked interested peers", func(t *testing.T) {
		require.NoError(t, workers["slow"].handle(&models.PeerMessage{ID: models.MessageIDInterested}))
		assert.Equal(t, "slow", pickOptimistic(workers, "fast"))
	})

	t.Run("unchoked peers are not candidates", func(t *testing.T) {
		require.NoError(t, workers["slow"].setChoking(false))
		assert.Equal(t, "fast", pickOptimistic(workers, "fast"))
	})
}
