package ingest

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// windowSpan is the sliding interval over which rates are reported.
const windowSpan = time.Minute

type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Window tracks per-minute ingestion rates over a sliding interval.
type Window struct {
	clock clockwork.Clock

	mu      sync.Mutex
	samples []sample
}

func NewWindow(clock clockwork.Clock) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{clock: clock}
}

// Record adds one handled request to the window.
func (w *Window) Record(latency time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	w.samples = append(w.samples, sample{at: w.clock.Now(), latency: latency, failed: failed})
}

// Rates reports events/min, errors/min and average latency over the window.
func (w *Window) Rates() (events, errors, avgLatencyMS float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()

	var latencySum time.Duration
	for _, s := range w.samples {
		events++
		if s.failed {
			errors++
		}
		latencySum += s.latency
	}
	if events > 0 {
		avgLatencyMS = float64(latencySum.Milliseconds()) / events
	}
	return events, errors, avgLatencyMS
}

// Count returns the number of requests currently inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.samples)
}

// prune drops samples older than the window. Caller holds the lock.
func (w *Window) prune() {
	cutoff := w.clock.Now().Add(-windowSpan)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
