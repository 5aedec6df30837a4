package queue

import "time"

// slidingWindow admits at most limit job starts per rolling window. It is not
// self-locking; the queue mutex guards every call.
type slidingWindow struct {
	limit  int
	window time.Duration
	starts []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// allow records a start and returns true if the rolling budget permits one.
func (w *slidingWindow) allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.prune(now)
	if len(w.starts) >= w.limit {
		return false
	}
	w.starts = append(w.starts, now)
	return true
}

// nextFree returns how long until the oldest recorded start leaves the
// window. Zero when the budget is already free.
func (w *slidingWindow) nextFree(now time.Time) time.Duration {
	w.prune(now)
	if len(w.starts) < w.limit {
		return 0
	}
	return w.starts[0].Add(w.window).Sub(now)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.starts) && !w.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.starts = append(w.starts[:0], w.starts[i:]...)
	}
}
