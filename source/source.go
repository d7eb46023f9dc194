// Package source turns logical (source, subsection) pairs into concrete
// requests against third-party humanitarian data providers. Adapters are
// opaque to the rest of the core beyond success/failure; the consolidation
// engine only sees ordered candidate lists and raw JSON payloads.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoEndpoint is returned when an adapter has no endpoint configured for
// the requested subsection.
var ErrNoEndpoint = errors.New("source: no endpoint for subsection")

// Subsection is one logical slice of a dashboard section, with its ordered
// candidate sources and the payload fields expected for quality scoring.
type Subsection struct {
	Dashboard string   `json:"dashboard"`
	Section   string   `json:"section"`
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	Sources   []string `json:"sources"` // priority order, first success wins
}

// Key is the cache key for this subsection when served by sourceID.
func (s Subsection) Key(sourceID string) string {
	return sourceID + ":" + s.Name
}

// Section groups subsections within a dashboard.
type Section struct {
	Name        string       `json:"name"`
	Subsections []Subsection `json:"subsections"`
}

// Dashboard is one consumer-facing dashboard with its static
// subsection-to-sources mapping.
type Dashboard struct {
	Name     string    `json:"name"`
	Sections []Section `json:"sections"`
}

// Fetcher is one source adapter.
type Fetcher interface {
	// ID returns the stable source identifier.
	ID() string
	// Fetch retrieves the payload for a subsection.
	Fetch(ctx context.Context, sub Subsection) (json.RawMessage, error)
	// Probe issues a lightweight liveness request. Used by the monitoring
	// engine's availability remediation.
	Probe(ctx context.Context) error
}

// Registry holds the registered adapters and the static dashboard tables.
type Registry struct {
	mu         sync.RWMutex
	fetchers   map[string]Fetcher
	dashboards []Dashboard
}

// NewRegistry creates a Registry over the given dashboard tables.
func NewRegistry(dashboards []Dashboard) *Registry {
	return &Registry{
		fetchers:   make(map[string]Fetcher),
		dashboards: dashboards,
	}
}

// Register adds (or replaces) an adapter.
func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.ID()] = f
}

// Fetcher returns the adapter for id.
func (r *Registry) Fetcher(id string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[id]
	return f, ok
}

// Sources lists all registered source IDs, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fetchers))
	for id := range r.fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dashboards returns the static dashboard tables.
func (r *Registry) Dashboards() []Dashboard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dashboards
}

// Subsections flattens every subsection across all dashboards.
func (r *Registry) Subsections() []Subsection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subsection
	for _, d := range r.dashboards {
		for _, sec := range d.Sections {
			out = append(out, sec.Subsections...)
		}
	}
	return out
}

// Probe runs the lightweight liveness request for a source.
func (r *Registry) Probe(ctx context.Context, sourceID string) error {
	f, ok := r.Fetcher(sourceID)
	if !ok {
		return fmt.Errorf("source: unknown source %q", sourceID)
	}
	return f.Probe(ctx)
}
