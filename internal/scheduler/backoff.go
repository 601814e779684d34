package scheduler

import "time"

// retryDelay is base * 2^(attempt-1), capped at maxD. A provider Retry-After
// hint replaces the computed delay when longer, still bounded by maxD.
func retryDelay(base, maxD time.Duration, attempt int, hint time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if hint > d {
		d = hint
	}
	if d > maxD {
		d = maxD
	}
	return d
}
