package syncer

import (
	"math/rand"
	"time"
)

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// Delay returns the wait before retry number attempt (0-based): exponential
// from 500ms, capped at 30s, with 20% jitter so stalled queues from many
// owners do not thunder in step.
func Delay(attempt int) time.Duration {
	d := baseDelay
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - jitter
	}
	return d + jitter
}
