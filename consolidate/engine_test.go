package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rasedhq/rased/cache"
	"github.com/rasedhq/rased/dbopen"
	"github.com/rasedhq/rased/kvstore"
	"github.com/rasedhq/rased/retry"
	"github.com/rasedhq/rased/source"
)

type fakeFetcher struct {
	id string

	mu    sync.Mutex
	calls int
	fn    func(sub source.Subsection) (json.RawMessage, error)
}

func (f *fakeFetcher) ID() string { return f.id }

func (f *fakeFetcher) Fetch(ctx context.Context, sub source.Subsection) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(sub)
}

func (f *fakeFetcher) Probe(ctx context.Context) error { return nil }

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func payloadFor(id string) json.RawMessage {
	return json.RawMessage(`{"killed":10,"injured":20,"from":"` + id + `"}`)
}

// testEngine wires an Engine over an in-memory store with two gaza
// subsections. alpha covers both, beta is fallback for the summary only.
func testEngine(t *testing.T, fetchers ...*fakeFetcher) (*Engine, kvstore.KV) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	kv, err := kvstore.NewWithDB(db)
	if err != nil {
		t.Fatal(err)
	}

	dashboards := []source.Dashboard{{
		Name: "gaza",
		Sections: []source.Section{{
			Name: "casualties",
			Subsections: []source.Subsection{{
				Dashboard: "gaza",
				Section:   "casualties",
				Name:      "casualties_summary",
				Fields:    []string{"killed", "injured"},
				Sources:   []string{"alpha", "beta"},
			}},
		}, {
			Name: "infrastructure",
			Subsections: []source.Subsection{{
				Dashboard: "gaza",
				Section:   "infrastructure",
				Name:      "infrastructure_damage",
				Fields:    []string{"killed", "injured"},
				Sources:   []string{"alpha"},
			}},
		}},
	}}

	reg := source.NewRegistry(dashboards)
	for _, f := range fetchers {
		reg.Register(f)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cm := cache.New(kv, logger)
	rc := retry.New(kv, retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}, logger)

	return New(reg, cm, rc, kv, logger), kv
}

func TestRunConsolidates(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	beta := &fakeFetcher{id: "beta", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("beta"), nil
	}}
	eng, _ := testEngine(t, alpha, beta)

	snap, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}
	if got := snap.ServedBy["casualties_summary"]; got != "alpha" {
		t.Fatalf("casualties_summary served by %q, want alpha", got)
	}
	if snap.Quality.OverallScore != 1.0 {
		t.Fatalf("quality = %v, want 1.0", snap.Quality.OverallScore)
	}
	if beta.callCount() != 0 {
		t.Fatal("fallback source consulted although primary succeeded")
	}

	cur, err := eng.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != snap.ID {
		t.Fatalf("Current = %s, want %s", cur.ID, snap.ID)
	}
}

func TestRunFallsBackToSecondSource(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return nil, errors.New("alpha down")
	}}
	beta := &fakeFetcher{id: "beta", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("beta"), nil
	}}
	eng, _ := testEngine(t, alpha, beta)

	snap, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.ServedBy["casualties_summary"]; got != "beta" {
		t.Fatalf("served by %q, want beta", got)
	}
	// infrastructure_damage has only alpha, so it is absent and scored.
	if _, ok := snap.Sections["infrastructure"]; ok {
		t.Fatal("infrastructure should be absent when its only source fails")
	}
	if snap.Quality.PerSourceScore["alpha"] != 0 {
		t.Fatalf("alpha score = %v, want 0", snap.Quality.PerSourceScore["alpha"])
	}
	if snap.Quality.PerSourceScore["beta"] != 1.0 {
		t.Fatalf("beta score = %v, want 1.0", snap.Quality.PerSourceScore["beta"])
	}
}

func TestRunAllSectionsFailed(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return nil, errors.New("down")
	}}
	beta := &fakeFetcher{id: "beta", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return nil, errors.New("down")
	}}
	eng, _ := testEngine(t, alpha, beta)

	if _, err := eng.Run(context.Background()); !errors.Is(err, ErrAllSectionsFailed) {
		t.Fatalf("err = %v, want ErrAllSectionsFailed", err)
	}
	if _, err := eng.Current(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Current err = %v, want ErrNoSnapshot", err)
	}
}

func TestRunFailurePreservesPriorSnapshot(t *testing.T) {
	healthy := true
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		if !healthy {
			return nil, errors.New("down")
		}
		return payloadFor("alpha"), nil
	}}
	eng, kv := testEngine(t, alpha)

	first, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Expire the cache and take the source down: the next full run fails
	// everywhere, and the persisted snapshot must be untouched.
	if _, err := kv.DeleteWhere(context.Background(), kvstore.NSCache, kvstore.ScanQuery{}); err != nil {
		t.Fatal(err)
	}
	healthy = false
	if _, err := eng.Run(context.Background()); !errors.Is(err, ErrAllSectionsFailed) {
		t.Fatalf("err = %v, want ErrAllSectionsFailed", err)
	}

	cur, err := eng.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != first.Version {
		t.Fatalf("failed run replaced snapshot: version %d, want %d", cur.Version, first.Version)
	}
}

func TestRunServesFromCache(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	eng, _ := testEngine(t, alpha)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := alpha.callCount()
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if alpha.callCount() != before {
		t.Fatalf("second run fetched %d more times, want cache hits", alpha.callCount()-before)
	}
}

func TestVersionSeedsFromPersistedSnapshot(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	eng, kv := testEngine(t, alpha)

	ctx := context.Background()
	if _, err := eng.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := eng.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}

	// A fresh engine over the same store continues the version sequence.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := source.NewRegistry(nil)
	eng2 := New(reg, cache.New(kv, logger), retry.New(kv, retry.Config{}, logger), kv, logger)
	eng2.seeded = false
	if got := eng2.nextVersion(ctx); got != 3 {
		t.Fatalf("next version after restart = %d, want 3", got)
	}
}

func TestRunScopedMergesOverCurrent(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	beta := &fakeFetcher{id: "beta", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("beta-v2"), nil
	}}
	eng, kv := testEngine(t, alpha, beta)

	ctx := context.Background()
	if _, err := eng.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Scoped to beta: only casualties_summary is refreshed, and only from
	// beta. The infrastructure section must survive the merge.
	if _, err := kv.DeleteWhere(ctx, kvstore.NSCache, kvstore.ScanQuery{}); err != nil {
		t.Fatal(err)
	}
	snap, err := eng.RunScoped(ctx, []string{"beta"})
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.ServedBy["casualties_summary"]; got != "beta" {
		t.Fatalf("served by %q, want beta", got)
	}
	if _, ok := snap.Sections["infrastructure"]; !ok {
		t.Fatal("scoped run dropped the untouched infrastructure section")
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
}

func TestRunScopedUnknownSource(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	eng, _ := testEngine(t, alpha)

	if _, err := eng.RunScoped(context.Background(), []string{"nope"}); err == nil {
		t.Fatal("expected error for source serving no subsection")
	}
}

type recordedFetch struct {
	source string
	err    error
}

type fakeRecorder struct {
	mu      sync.Mutex
	fetches []recordedFetch
}

func (r *fakeRecorder) RecordFetch(sourceID string, latency time.Duration, err error) {
	r.mu.Lock()
	r.fetches = append(r.fetches, recordedFetch{source: sourceID, err: err})
	r.mu.Unlock()
}

func TestRecorderSeesFetchesNotCacheHits(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	eng, _ := testEngine(t, alpha)
	rec := &fakeRecorder{}
	eng.recorder = rec

	ctx := context.Background()
	if _, err := eng.Run(ctx); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	fetched := len(rec.fetches)
	rec.mu.Unlock()
	if fetched != 2 {
		t.Fatalf("recorded %d fetches, want 2", fetched)
	}

	// Cached second run records nothing.
	if _, err := eng.Run(ctx); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	after := len(rec.fetches)
	rec.mu.Unlock()
	if after != fetched {
		t.Fatalf("cache hits recorded as fetches: %d new", after-fetched)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	alpha := &fakeFetcher{id: "alpha", fn: func(sub source.Subsection) (json.RawMessage, error) {
		return payloadFor("alpha"), nil
	}}
	eng, _ := testEngine(t, alpha)

	ch, cancel := eng.Subscribe()
	defer cancel()

	snap, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Version != snap.Version {
			t.Fatalf("received version %d, want %d", got.Version, snap.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot broadcast")
	}
}
