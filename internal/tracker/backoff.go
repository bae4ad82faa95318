package tracker

import "time"

// Backoff is the retry state machine for failed announces. It carries the
// attempt count and the next deadline explicitly so the announce loop can
// select on a timer instead of recursing.
type Backoff struct {
	// Base is the wait after the first failure, Max caps the growth.
	Base time.Duration
	Max  time.Duration

	attempt int
	next    time.Time
}

// Fail records a failed attempt and returns the wait before the next one.
// The wait doubles per attempt up to Max.
func (b *Backoff) Fail(now time.Time) time.Duration {
	wait := b.Base << b.attempt
	if wait > b.Max || wait <= 0 {
		wait = b.Max
	}
	b.attempt++
	b.next = now.Add(wait)
	return wait
}

// Reset clears the failure history after a successful announce.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = time.Time{}
}

// Attempts reports how many consecutive failures have been recorded.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// NextDeadline is the time the next attempt is due, zero if none pending.
func (b *Backoff) NextDeadline() time.Time {
	return b.next
}
