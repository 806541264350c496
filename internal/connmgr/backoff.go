package connmgr

import (
	"math/rand"
	"time"
)

// Backoff computes Base * 2^attempt, capped at Max. Jitter in [0,1] removes up
// to that fraction of the delay at random.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		d -= time.Duration(rand.Float64() * j * float64(d))
	}
	return d
}
