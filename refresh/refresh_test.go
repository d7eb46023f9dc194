package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rasedhq/rased/consolidate"
)

type fakeRunner struct {
	mu         sync.Mutex
	runs       int
	scopedRuns [][]string
	block      chan struct{}
	err        error
	snap       consolidate.Snapshot
}

func (f *fakeRunner) Run(ctx context.Context) (*consolidate.Snapshot, error) {
	f.mu.Lock()
	f.runs++
	block := f.block
	err := f.err
	snap := f.snap
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *fakeRunner) RunScoped(ctx context.Context, sources []string) (*consolidate.Snapshot, error) {
	f.mu.Lock()
	f.scopedRuns = append(f.scopedRuns, sources)
	err := f.err
	snap := f.snap
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForceRefreshFull(t *testing.T) {
	runner := &fakeRunner{snap: consolidate.Snapshot{
		Quality: consolidate.QualityMetrics{PerSourceScore: map[string]float64{
			"alpha": 1.0,
			"beta":  0,
		}},
	}}
	s := New(runner, []string{"alpha", "beta"}, time.Hour, testLogger())

	if err := s.ForceRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if runner.runCount() != 1 {
		t.Fatalf("runs = %d, want 1", runner.runCount())
	}

	st := s.Status()
	if st.IsRefreshing {
		t.Fatal("still marked refreshing after completion")
	}
	if st.Progress != 100 {
		t.Fatalf("progress = %d, want 100", st.Progress)
	}
	if st.LastRefresh.IsZero() {
		t.Fatal("LastRefresh not set")
	}
	if got := st.NextRefresh.Sub(st.LastRefresh); got != time.Hour {
		t.Fatalf("next - last = %v, want interval", got)
	}

	states := s.SourceStates()
	if states["alpha"] != StateActive {
		t.Fatalf("alpha = %q, want active", states["alpha"])
	}
	if states["beta"] != StateError {
		t.Fatalf("beta = %q, want error", states["beta"])
	}
}

func TestForceRefreshScoped(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, []string{"alpha", "beta"}, time.Hour, testLogger())

	if err := s.ForceRefresh(context.Background(), "beta"); err != nil {
		t.Fatal(err)
	}
	runner.mu.Lock()
	scoped := runner.scopedRuns
	runner.mu.Unlock()
	if len(scoped) != 1 || len(scoped[0]) != 1 || scoped[0][0] != "beta" {
		t.Fatalf("scoped runs = %v, want [[beta]]", scoped)
	}
	if runner.runCount() != 0 {
		t.Fatal("scoped refresh must not trigger a full run")
	}

	states := s.SourceStates()
	if states["beta"] != StateActive {
		t.Fatalf("beta = %q, want active", states["beta"])
	}
	if states["alpha"] != StateIdle {
		t.Fatalf("alpha = %q, want idle (untouched)", states["alpha"])
	}
}

func TestScopedErrorSetsStateAndErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("upstream down")}
	s := New(runner, []string{"alpha"}, time.Hour, testLogger())

	if err := s.ForceRefresh(context.Background(), "alpha"); err == nil {
		t.Fatal("expected error")
	}
	if got := s.SourceStates()["alpha"]; got != StateError {
		t.Fatalf("alpha = %q, want error", got)
	}
	st := s.Status()
	if len(st.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", st.Errors)
	}
}

func TestSingleFlightDropsOverlap(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s := New(runner, []string{"alpha"}, time.Hour, testLogger())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- s.ForceRefresh(context.Background())
	}()
	<-started

	// Wait for the in-flight gate to be taken.
	deadline := time.After(time.Second)
	for !s.Status().IsRefreshing {
		select {
		case <-deadline:
			t.Fatal("first refresh never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := s.ForceRefresh(context.Background()); !errors.Is(err, ErrRefreshInFlight) {
		t.Fatalf("err = %v, want ErrRefreshInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if runner.runCount() != 1 {
		t.Fatalf("runs = %d, want 1 (overlap dropped, not queued)", runner.runCount())
	}
}

func TestSignalTriggersRefresh(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, []string{"alpha"}, time.Hour, testLogger())

	ch, cancel := s.Subscribe()
	defer cancel()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	s.Start(ctx)
	defer s.Stop()

	s.Signal("reconnect")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if !st.IsRefreshing && st.Progress == 100 {
				if runner.runCount() != 1 {
					t.Fatalf("runs = %d, want 1", runner.runCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("signal never produced a completed refresh")
		}
	}
}

func TestSubscribeSeesProgress(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, []string{"alpha", "beta"}, time.Hour, testLogger())

	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.ForceRefresh(context.Background(), "alpha", "beta"); err != nil {
		t.Fatal(err)
	}

	var sawSyncing bool
	for {
		select {
		case st := <-ch:
			if st.IsRefreshing && st.CurrentSource != "" {
				sawSyncing = true
			}
			if !st.IsRefreshing && st.Progress == 100 {
				if !sawSyncing {
					t.Fatal("no intermediate status with a current source")
				}
				return
			}
		default:
			t.Fatal("status stream ended before completion update")
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, []string{"alpha"}, time.Hour, testLogger())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
