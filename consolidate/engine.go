// Package consolidate fans out fetches across every dashboard subsection,
// applies the first-success source fallback, and merges the results into
// one versioned snapshot. Partial failures lower the quality score; they
// never fail the run unless every section comes back empty.
package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rasedhq/rased/cache"
	"github.com/rasedhq/rased/idgen"
	"github.com/rasedhq/rased/kvstore"
	"github.com/rasedhq/rased/retry"
	"github.com/rasedhq/rased/source"
)

// snapshotKey is the single current-snapshot record in the store.
const snapshotKey = "current"

var (
	// ErrAllSectionsFailed means no subsection in any section produced a
	// payload; the previous snapshot is left untouched.
	ErrAllSectionsFailed = errors.New("consolidate: every section failed")
	// ErrNoSnapshot means no consolidation has completed yet.
	ErrNoSnapshot = errors.New("consolidate: no snapshot")
)

// FetchRecorder observes every real fetch attempt (cache hits excluded).
// The monitoring engine implements it to derive per-source availability,
// latency and error rates.
type FetchRecorder interface {
	RecordFetch(sourceID string, latency time.Duration, err error)
}

// Engine is the consolidation service.
type Engine struct {
	reg      *source.Registry
	cache    *cache.Manager
	retry    *retry.Coordinator
	kv       kvstore.KV
	logger   *slog.Logger
	recorder FetchRecorder
	newID    idgen.Generator

	// runMu serializes snapshot builds so versions stay monotonic.
	runMu   sync.Mutex
	version int64
	seeded  bool

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder wires a fetch-outcome observer.
func WithRecorder(r FetchRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithIDGenerator overrides the snapshot ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(e *Engine) { e.newID = gen }
}

// New creates an Engine.
func New(reg *source.Registry, cm *cache.Manager, rc *retry.Coordinator, kv kvstore.KV, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		reg:    reg,
		cache:  cm,
		retry:  rc,
		kv:     kv,
		logger: logger,
		newID:  idgen.Prefixed("snap_", idgen.Default),
		subs:   make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type sourceTally struct {
	successes int
	failures  int
}

type subResult struct {
	sub      source.Subsection
	payload  json.RawMessage
	servedBy string
	err      error
}

// Run performs a full consolidation: every subsection of every dashboard,
// concurrently. It persists and broadcasts the new snapshot unless every
// section failed, in which case the previous snapshot stands.
func (e *Engine) Run(ctx context.Context) (*Snapshot, error) {
	return e.run(ctx, nil)
}

// RunScoped consolidates only the subsections served by the given sources,
// restricting each candidate list to those sources and merging the results
// over the current snapshot.
func (e *Engine) RunScoped(ctx context.Context, sources []string) (*Snapshot, error) {
	if len(sources) == 0 {
		return e.run(ctx, nil)
	}
	allowed := make(map[string]bool, len(sources))
	for _, id := range sources {
		allowed[id] = true
	}
	return e.run(ctx, allowed)
}

func (e *Engine) run(ctx context.Context, allowed map[string]bool) (*Snapshot, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	all := e.reg.Subsections()
	var scoped []source.Subsection
	for _, sub := range all {
		if allowed == nil {
			scoped = append(scoped, sub)
			continue
		}
		for _, id := range sub.Sources {
			if allowed[id] {
				scoped = append(scoped, sub)
				break
			}
		}
	}
	if len(scoped) == 0 {
		return nil, fmt.Errorf("consolidate: no subsections for requested sources")
	}

	var tallyMu sync.Mutex
	tallies := make(map[string]*sourceTally)

	results := make(chan subResult, len(scoped))
	var wg sync.WaitGroup
	for _, sub := range scoped {
		wg.Add(1)
		go func(sub source.Subsection) {
			defer wg.Done()
			payload, servedBy, err := e.fetchSubsection(ctx, sub, allowed, &tallyMu, tallies)
			results <- subResult{sub: sub, payload: payload, servedBy: servedBy, err: err}
		}(sub)
	}
	wg.Wait()
	close(results)

	// Scoped runs merge over the current snapshot; full runs start clean.
	sections := make(map[string]SectionData)
	servedBy := make(map[string]string)
	if allowed != nil {
		if cur, err := e.Current(ctx); err == nil {
			for name, data := range cur.Sections {
				sec := make(SectionData, len(data))
				for k, v := range data {
					sec[k] = v
				}
				sections[name] = sec
			}
			for k, v := range cur.ServedBy {
				servedBy[k] = v
			}
		}
	}

	succeeded := 0
	for res := range results {
		if res.err != nil {
			e.logger.Warn("consolidate: subsection unavailable",
				"subsection", res.sub.Name, "error", res.err)
			continue
		}
		sec := sections[res.sub.Section]
		if sec == nil {
			sec = make(SectionData)
			sections[res.sub.Section] = sec
		}
		sec[res.sub.Name] = res.payload
		servedBy[res.sub.Name] = res.servedBy
		succeeded++
	}

	if succeeded == 0 && len(sections) == 0 {
		return nil, ErrAllSectionsFailed
	}

	snap := Snapshot{
		ID:          e.newID(),
		Version:     e.nextVersion(ctx),
		LastUpdated: time.Now().UTC(),
		Sections:    sections,
		ServedBy:    servedBy,
		Quality:     computeQuality(all, sections, tallies),
	}

	if err := e.persist(ctx, &snap); err != nil {
		return nil, err
	}
	e.broadcast(snap)

	e.logger.Info("consolidate: snapshot published",
		"version", snap.Version,
		"sections", len(snap.Sections),
		"quality", fmt.Sprintf("%.2f", snap.Quality.OverallScore),
		"issues", len(snap.Quality.Issues))
	return &snap, nil
}

// fetchSubsection resolves one subsection through the cache, the retry
// coordinator and the first-success fallback. Deterministic for a fixed
// set of source outcomes: candidates are tried strictly in declared order.
func (e *Engine) fetchSubsection(ctx context.Context, sub source.Subsection, allowed map[string]bool, mu *sync.Mutex, tallies map[string]*sourceTally) (json.RawMessage, string, error) {
	candidates := sub.Sources
	if allowed != nil {
		candidates = nil
		for _, id := range sub.Sources {
			if allowed[id] {
				candidates = append(candidates, id)
			}
		}
	}

	tally := func(id string, ok bool) {
		mu.Lock()
		t := tallies[id]
		if t == nil {
			t = &sourceTally{}
			tallies[id] = t
		}
		if ok {
			t.successes++
		} else {
			t.failures++
		}
		mu.Unlock()
	}

	return FirstSuccess(ctx, candidates, func(ctx context.Context, id string) (json.RawMessage, error) {
		key := sub.Key(id)

		if data, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			tally(id, true)
			return data, nil
		}

		f, ok := e.reg.Fetcher(id)
		if !ok {
			tally(id, false)
			return nil, fmt.Errorf("unknown source %q", id)
		}

		var payload json.RawMessage
		err := e.retry.Do(ctx, key, func(ctx context.Context) error {
			start := time.Now()
			p, ferr := f.Fetch(ctx, sub)
			if e.recorder != nil {
				e.recorder.RecordFetch(id, time.Since(start), ferr)
			}
			if ferr != nil {
				return ferr
			}
			payload = p
			return nil
		})
		if err != nil {
			tally(id, false)
			return nil, err
		}
		tally(id, true)

		if err := e.cache.Put(ctx, key, payload, id); err != nil {
			e.logger.Warn("consolidate: cache put failed", "key", key, "error", err)
		}
		return payload, nil
	})
}

// Current loads the persisted current snapshot.
func (e *Engine) Current(ctx context.Context) (*Snapshot, error) {
	rec, err := e.kv.Get(ctx, kvstore.NSSnapshot, snapshotKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("consolidate: load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Value, &snap); err != nil {
		return nil, fmt.Errorf("consolidate: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe returns a channel receiving every published snapshot and a
// cancel function. Slow subscribers miss snapshots rather than blocking
// the publisher.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		delete(e.subs, ch)
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) broadcast(snap Snapshot) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (e *Engine) persist(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("consolidate: encode snapshot: %w", err)
	}
	meta := kvstore.Meta{StoredAt: snap.LastUpdated}
	if err := e.kv.Put(ctx, kvstore.NSSnapshot, snapshotKey, data, meta); err != nil {
		return fmt.Errorf("consolidate: persist snapshot: %w", err)
	}
	return nil
}

// nextVersion seeds from the persisted snapshot once, then increments.
func (e *Engine) nextVersion(ctx context.Context) int64 {
	if !e.seeded {
		if cur, err := e.Current(ctx); err == nil {
			e.version = cur.Version
		}
		e.seeded = true
	}
	e.version++
	return e.version
}
