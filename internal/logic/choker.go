package logic

import (
	"log/slog"
	"math/rand"
	"sort"
)

// runChokeRound ranks connected peers by the bytes they delivered since the
// previous round and unchokes the top slots. The worker named by optimistic
// stays unchoked regardless of rank so new peers get a chance to prove
// themselves.
func runChokeRound(workers map[string]*peerWorker, slots int, optimistic string, log *slog.Logger) {
	type ranked struct {
		key    string
		worker *peerWorker
		bytes  int64
	}

	candidates := make([]ranked, 0, len(workers))
	for key, w := range workers {
		candidates = append(candidates, ranked{key: key, worker: w, bytes: w.takeThroughput()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].bytes != candidates[j].bytes {
			return candidates[i].bytes > candidates[j].bytes
		}
		return candidates[i].key < candidates[j].key
	})

	unchoked := 0
	for _, c := range candidates {
		keep := c.key == optimistic || unchoked < slots
		if keep && c.key != optimistic {
			unchoked++
		}
		if err := c.worker.setChoking(!keep); err != nil {
			log.Debug("choke update failed", slog.String("peer", c.key), slog.Any("error", err))
		}
	}
}

// pickOptimistic selects a random currently-choked peer that wants our data.
// Returns the current pick unchanged when no candidate exists.
func pickOptimistic(workers map[string]*peerWorker, current string) string {
	candidates := make([]string, 0, len(workers))
	for key, w := range workers {
		if key == current {
			continue
		}
		if w.isChoking() && w.isRemoteInterested() {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return current
	}
	return candidates[rand.Intn(len(candidates))]
}
