package ratelimit

import (
	"sync"
	"time"
)

func defaultNow() time.Time { return time.Now() }

// SlidingWindow enforces a per-key rolling-window limit (messages per client,
// auth failures per client, …).
//
// Internally it holds the event timestamps for each key within the current
// window and prunes stale entries on every call. This keeps memory bounded to
// O(limit) entries per active key.
//
// SlidingWindow is safe for concurrent use from multiple goroutines.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindow returns a limiter that allows at most limit events per key
// within window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetClock injects a time source for tests.
func (w *SlidingWindow) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// Allow records an event for key and reports whether it stayed within the
// limit. Once the window is exhausted, further events are refused (and not
// recorded) until enough old entries roll out.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	valid := w.prune(key)
	if len(valid) >= w.limit {
		w.events[key] = valid
		return false
	}
	w.events[key] = append(valid, w.now())
	return true
}

// Record adds an event for key unconditionally, even past the limit. Used
// for failure counting, where the event happened whether or not it was
// within budget.
func (w *SlidingWindow) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[key] = append(w.prune(key), w.now())
}

// Exceeded reports whether key has reached the limit within the current
// window, without recording anything.
func (w *SlidingWindow) Exceeded(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	valid := w.prune(key)
	w.events[key] = valid
	return len(valid) >= w.limit
}

// Remaining returns how many more events key may record within the window.
func (w *SlidingWindow) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	valid := w.prune(key)
	w.events[key] = valid
	if rem := w.limit - len(valid); rem > 0 {
		return rem
	}
	return 0
}

// Forget drops all state for key (client disconnect).
func (w *SlidingWindow) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// prune returns key's timestamps still inside the window. Caller holds w.mu.
func (w *SlidingWindow) prune(key string) []time.Time {
	cutoff := w.now().Add(-w.window)
	existing := w.events[key]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
