package queue

import "time"

const maxBackoff = 60 * time.Second

// Backoff returns the delay before retry number attempt: base * 2^(attempt-1),
// capped at maxBackoff. attempt 1 waits base, attempt 2 waits 2*base, and so
// on. Non-positive attempts return base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	shift := attempt - 1
	if shift > 30 {
		return maxBackoff
	}
	d := base * time.Duration(1<<shift)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
