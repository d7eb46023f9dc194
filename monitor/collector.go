package monitor

import (
	"sync"
	"time"
)

// SourceMetrics is the per-source aggregate over one check window.
type SourceMetrics struct {
	Source       string    `json:"source"`
	Fetches      int       `json:"fetches"`
	Failures     int       `json:"failures"`
	ErrorRatePct float64   `json:"error_rate_pct"`
	AvgLatencyMs int64     `json:"avg_latency_ms"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

type sourceWindow struct {
	fetches     int
	failures    int
	latencySum  time.Duration
	lastSuccess time.Time
	lastFailure time.Time
	lastError   string
}

// Collector receives every real fetch outcome from the consolidation
// engine and aggregates per-source windows. Collect drains the window;
// last-success/failure timestamps persist across windows.
type Collector struct {
	mu      sync.Mutex
	windows map[string]*sourceWindow

	// onSuccess fires outside the lock on every successful fetch. The
	// monitoring engine uses it to auto-resolve availability alerts.
	onSuccess func(sourceID string)
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{windows: make(map[string]*sourceWindow)}
}

// OnSuccess registers the success hook. Must be set before fetches flow.
func (c *Collector) OnSuccess(fn func(sourceID string)) {
	c.onSuccess = fn
}

// RecordFetch implements the consolidation engine's fetch observer.
func (c *Collector) RecordFetch(sourceID string, latency time.Duration, err error) {
	c.mu.Lock()
	w := c.windows[sourceID]
	if w == nil {
		w = &sourceWindow{}
		c.windows[sourceID] = w
	}
	w.fetches++
	w.latencySum += latency
	now := time.Now().UTC()
	if err != nil {
		w.failures++
		w.lastFailure = now
		w.lastError = err.Error()
	} else {
		w.lastSuccess = now
	}
	hook := c.onSuccess
	c.mu.Unlock()

	if err == nil && hook != nil {
		hook(sourceID)
	}
}

// Collect returns the aggregated window per source and resets the
// counters. Sources with no fetches since the last collect report zero
// fetches but keep their last-seen timestamps.
func (c *Collector) Collect() map[string]SourceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]SourceMetrics, len(c.windows))
	for id, w := range c.windows {
		m := SourceMetrics{
			Source:      id,
			Fetches:     w.fetches,
			Failures:    w.failures,
			LastSuccess: w.lastSuccess,
			LastFailure: w.lastFailure,
			LastError:   w.lastError,
		}
		if w.fetches > 0 {
			m.ErrorRatePct = float64(w.failures) / float64(w.fetches) * 100
			m.AvgLatencyMs = (w.latencySum / time.Duration(w.fetches)).Milliseconds()
		}
		out[id] = m

		w.fetches = 0
		w.failures = 0
		w.latencySum = 0
	}
	return out
}
