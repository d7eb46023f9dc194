// Package refresh drives consolidation runs: a periodic ticker, operator
// force-refresh, and out-of-band signals all funnel into one single-flight
// refresh. Overlapping triggers are dropped, never queued.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rasedhq/rased/consolidate"
)

// ErrRefreshInFlight means a refresh was requested while one was running.
var ErrRefreshInFlight = errors.New("refresh: already in flight")

// Per-source sync states.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateActive  = "active"
	StateError   = "error"
)

// Runner is the consolidation surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (*consolidate.Snapshot, error)
	RunScoped(ctx context.Context, sources []string) (*consolidate.Snapshot, error)
}

// Status is the externally visible refresh state, published to
// subscribers after every change.
type Status struct {
	IsRefreshing  bool      `json:"is_refreshing"`
	LastRefresh   time.Time `json:"last_refresh"`
	NextRefresh   time.Time `json:"next_refresh"`
	Progress      int       `json:"progress"`
	CurrentSource string    `json:"current_source,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
}

// Scheduler owns the refresh loop.
type Scheduler struct {
	runner   Runner
	sources  []string
	interval time.Duration
	logger   *slog.Logger

	// inFlight is the single-flight gate. Triggers that lose the CAS are
	// dropped.
	inFlight atomic.Bool

	mu     sync.Mutex
	status Status
	states map[string]string
	subs   map[chan Status]struct{}

	signals chan string
	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Scheduler over the known source IDs.
func New(runner Runner, sources []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[string]string, len(sources))
	for _, id := range sources {
		states[id] = StateIdle
	}
	return &Scheduler{
		runner:   runner,
		sources:  sources,
		interval: interval,
		logger:   logger,
		states:   states,
		subs:     make(map[chan Status]struct{}),
		signals:  make(chan string, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker loop. The first refresh happens after one
// interval; callers wanting an immediate pass use ForceRefresh.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.refresh(ctx, nil, "interval"); err != nil && !errors.Is(err, ErrRefreshInFlight) {
				s.logger.Warn("refresh: scheduled run failed", "error", err)
			}
		case reason := <-s.signals:
			if err := s.refresh(ctx, nil, reason); err != nil && !errors.Is(err, ErrRefreshInFlight) {
				s.logger.Warn("refresh: signalled run failed", "reason", reason, "error", err)
			}
		}
	}
}

// Stop cancels the loop. An in-flight refresh finishes on its own; its
// status updates are no longer published.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
	s.wg.Wait()
}

// Signal requests a refresh for an out-of-band reason (client focus,
// connectivity regained). Non-blocking: a pending signal absorbs new ones.
func (s *Scheduler) Signal(reason string) {
	select {
	case s.signals <- reason:
	default:
	}
}

// ForceRefresh runs a refresh in the caller's goroutine. With no sources
// it is a full consolidation; with sources it is scoped, sequential per
// source. Returns ErrRefreshInFlight when one is already running.
func (s *Scheduler) ForceRefresh(ctx context.Context, sources ...string) error {
	return s.refresh(ctx, sources, "forced")
}

func (s *Scheduler) refresh(ctx context.Context, sources []string, reason string) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer s.inFlight.Store(false)

	s.logger.Info("refresh: starting", "reason", reason, "scoped", len(sources) > 0)

	s.update(func(st *Status) {
		st.IsRefreshing = true
		st.Progress = 0
		st.CurrentSource = ""
		st.Errors = nil
	})

	var errs []string
	if len(sources) == 0 {
		errs = s.refreshAll(ctx)
	} else {
		errs = s.refreshScoped(ctx, sources)
	}

	now := time.Now().UTC()
	s.update(func(st *Status) {
		st.IsRefreshing = false
		st.Progress = 100
		st.CurrentSource = ""
		st.LastRefresh = now
		st.NextRefresh = now.Add(s.interval)
		st.Errors = errs
	})

	if len(errs) > 0 {
		return errors.New(errs[0])
	}
	return nil
}

// refreshAll runs one full consolidation and derives per-source states
// from the snapshot's per-source scores.
func (s *Scheduler) refreshAll(ctx context.Context) []string {
	s.setStates(s.sources, StateSyncing)
	snap, err := s.runner.Run(ctx)
	if err != nil {
		s.setStates(s.sources, StateError)
		return []string{err.Error()}
	}
	for _, id := range s.sources {
		state := StateError
		if score, ok := snap.Quality.PerSourceScore[id]; !ok || score > 0 {
			state = StateActive
		}
		s.setStates([]string{id}, state)
	}
	return nil
}

// refreshScoped runs source by source so progress and current-source are
// meaningful to dashboards watching the status stream.
func (s *Scheduler) refreshScoped(ctx context.Context, sources []string) []string {
	var errs []string
	for i, id := range sources {
		s.setStates([]string{id}, StateSyncing)
		s.update(func(st *Status) {
			st.CurrentSource = id
			st.Progress = i * 100 / len(sources)
		})

		if _, err := s.runner.RunScoped(ctx, []string{id}); err != nil {
			s.setStates([]string{id}, StateError)
			errs = append(errs, id+": "+err.Error())
			continue
		}
		s.setStates([]string{id}, StateActive)
	}
	return errs
}

// Status returns a copy of the current refresh status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Errors = append([]string(nil), s.status.Errors...)
	return st
}

// SourceStates returns a copy of the per-source sync states.
func (s *Scheduler) SourceStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Subscribe returns a channel receiving every status change and a cancel
// function. Slow subscribers miss updates rather than blocking refreshes.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Scheduler) update(mut func(*Status)) {
	s.mu.Lock()
	mut(&s.status)
	st := s.status
	st.Errors = append([]string(nil), s.status.Errors...)
	s.mu.Unlock()
	s.publish(st)
}

func (s *Scheduler) setStates(ids []string, state string) {
	s.mu.Lock()
	for _, id := range ids {
		s.states[id] = state
	}
	s.mu.Unlock()
}

func (s *Scheduler) publish(st Status) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
