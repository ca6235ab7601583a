package chatclient

import "time"

// BackoffPolicy produces the delay before reconnect attempt n. Exponential
// with a hard cap; no attempt limit, the client retries as long as it stays
// in the foreground.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Factor: 2, Max: 30 * time.Second}
}

// Next returns the delay for attempt (0-based).
func (b BackoffPolicy) Next(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
