package monitor

import (
	"sync"
	"time"
)

type costSample struct {
	at     time.Time
	tokens float64
}

// costWindow keeps a per-session sliding window of token-spend samples.
// The window is read-modify-write, so all access goes through one mutex.
type costWindow struct {
	mu       sync.Mutex
	sessions map[string][]costSample
}

func newCostWindow() *costWindow {
	return &costWindow{sessions: make(map[string][]costSample)}
}

// observe appends one sample, drops samples older than the window, and
// returns the trailing average of the OTHER samples plus the spike
// multiplier of the new one against that average. The current sample is
// excluded from its own average so a single huge sample cannot normalize
// its own spike ratio. With no prior samples the average is 1.
func (w *costWindow) observe(sessionID string, tokens float64, window time.Duration, now time.Time) (average, multiplier float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	kept := w.sessions[sessionID][:0]
	for _, s := range w.sessions[sessionID] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}

	var sum float64
	for _, s := range kept {
		sum += s.tokens
	}

	if len(kept) == 0 {
		average = 1
	} else {
		average = sum / float64(len(kept))
	}
	if average <= 0 {
		average = 1
	}

	w.sessions[sessionID] = append(kept, costSample{at: now, tokens: tokens})
	return average, tokens / average
}

// forget releases a session's window, typically after termination.
func (w *costWindow) forget(sessionID string) {
	w.mu.Lock()
	delete(w.sessions, sessionID)
	w.mu.Unlock()
}
