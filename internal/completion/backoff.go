package completion

import "time"

// Backoff computes the wait before a retry. The first retry is immediate,
// the second waits Base, and each later one doubles up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n <= 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 2; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
