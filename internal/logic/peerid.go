package logic

import (
	"math/rand"
	"time"
)

// Azureus-style client identifier: dash, two-letter client id, four-digit
// version, dash, then random bytes up to the 20-byte peer id size.
const peerIDPrefix = "-RT0001-"

func generatePeerID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	id := make([]byte, 20)
	copy(id, peerIDPrefix)
	for i := len(peerIDPrefix); i < len(id); i++ {
		id[i] = charset[r.Intn(len(charset))]
	}

	return string(id)
}
