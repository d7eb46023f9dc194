package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rasedhq/rased/consolidate"
	"github.com/rasedhq/rased/idgen"
	"github.com/rasedhq/rased/kvstore"
	"github.com/rasedhq/rased/retry"
)

// infoAlertTTL is how long an info alert stays open before auto-resolving.
const infoAlertTTL = time.Hour

// CacheOps is the cache surface remediation needs.
type CacheOps interface {
	HitRate() float64
	ClearSource(ctx context.Context, source string) (int64, error)
	RaiseTTL(source string, ttl time.Duration)
	Sweep(ctx context.Context) (int64, error)
}

// Prober issues a liveness request against one source.
type Prober interface {
	Probe(ctx context.Context, sourceID string) error
}

// Consolidator is the consolidation surface the engine drives during
// data-quality remediation and failed-source retries.
type Consolidator interface {
	Run(ctx context.Context) (*consolidate.Snapshot, error)
	RunScoped(ctx context.Context, sources []string) (*consolidate.Snapshot, error)
	Current(ctx context.Context) (*consolidate.Snapshot, error)
}

// Engine is the monitoring loop.
type Engine struct {
	cfg       Config
	kv        kvstore.KV
	store     *store
	collector *Collector
	cache     CacheOps
	prober    Prober
	consol    Consolidator
	retries   *retry.Coordinator
	logger    *slog.Logger

	newAlertID    idgen.Generator
	newIncidentID idgen.Generator
	now           func() time.Time

	mu        sync.Mutex
	alerts    map[string]*Alert
	incidents map[string]*Incident

	checking atomic.Bool
	stop     chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates the monitoring engine and loads persisted alerts and
// incidents. The collector's success hook is wired to availability
// auto-resolve.
func New(ctx context.Context, cfg Config, kv kvstore.KV, collector *Collector, cache CacheOps, prober Prober, consol Consolidator, retries *retry.Coordinator, logger *slog.Logger, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:           cfg,
		kv:            kv,
		store:         &store{kv: kv},
		collector:     collector,
		cache:         cache,
		prober:        prober,
		consol:        consol,
		retries:       retries,
		logger:        logger,
		newAlertID:    idgen.Prefixed("alr_", idgen.Default),
		newIncidentID: idgen.Prefixed("inc_", idgen.Default),
		now:           func() time.Time { return time.Now().UTC() },
		alerts:        make(map[string]*Alert),
		incidents:     make(map[string]*Incident),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	alerts, err := e.store.loadAlerts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		e.alerts[a.ID] = a
	}
	incidents, err := e.store.loadIncidents(ctx)
	if err != nil {
		return nil, err
	}
	for _, inc := range incidents {
		e.incidents[inc.ID] = inc
	}

	if collector != nil {
		collector.OnSuccess(e.sourceRecovered)
	}
	return e, nil
}

// Start launches the check loop. No-op when monitoring is disabled.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		e.logger.Info("monitor: disabled")
		return
	}
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the loop; an in-flight check finishes.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.stop)
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.RunCheck(ctx)
		}
	}
}

// RunCheck performs one monitoring pass. A panic or error inside the
// check becomes a warning alert; the loop never dies.
func (e *Engine) RunCheck(ctx context.Context) {
	if !e.checking.CompareAndSwap(false, true) {
		return
	}
	defer e.checking.Store(false)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("monitor: check panicked", "panic", r)
			e.raiseAlert(ctx, SeverityWarning, CategorySystem, "",
				"monitoring check failed",
				fmt.Sprintf("check panicked: %v", r))
		}
	}()

	if err := e.check(ctx); err != nil {
		e.logger.Error("monitor: check failed", "error", err)
		e.raiseAlert(ctx, SeverityWarning, CategorySystem, "",
			"monitoring check failed",
			fmt.Sprintf("check error: %v", err))
	}
}

func (e *Engine) check(ctx context.Context) error {
	now := e.now()
	sources := e.collector.Collect()
	hitRate := e.cache.HitRate()

	var quality float64
	var snapshotAge time.Duration
	snap, err := e.consol.Current(ctx)
	if err == nil {
		quality = snap.Quality.OverallScore
		snapshotAge = now.Sub(snap.LastUpdated)
	}

	e.evaluateSources(ctx, sources)
	e.evaluateAggregate(ctx, hitRate, quality, snapshotAge, snap != nil, sources)
	e.expireInfoAlerts(ctx, now)

	metrics := &MetricsSnapshot{
		Timestamp:     now,
		Sources:       sources,
		CacheHitRate:  hitRate,
		QualityScore:  quality,
		OpenAlerts:    len(e.openAlerts()),
		OpenIncidents: len(e.openIncidents()),
	}
	if snap != nil {
		metrics.SnapshotAgeMs = snapshotAge.Milliseconds()
	}
	if err := e.store.saveMetrics(ctx, metrics); err != nil {
		return err
	}

	if e.cfg.AutoRemediation {
		e.remediateOpenIncidents(ctx)
	}
	return nil
}

func (e *Engine) evaluateSources(ctx context.Context, sources map[string]SourceMetrics) {
	th := e.cfg.Thresholds
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m := sources[id]
		if m.Fetches == 0 {
			continue
		}
		if th.ErrorRatePct > 0 && m.ErrorRatePct >= th.ErrorRatePct {
			sev := SeverityWarning
			if m.ErrorRatePct >= 100 {
				sev = SeverityCritical
			}
			e.raiseAlert(ctx, sev, CategoryAvailability, id,
				fmt.Sprintf("source %s failing", id),
				fmt.Sprintf("error rate %.0f%% over %d fetches (last error: %s)",
					m.ErrorRatePct, m.Fetches, m.LastError))
		}
		if th.ResponseTimeMs > 0 && m.AvgLatencyMs > th.ResponseTimeMs {
			e.raiseAlert(ctx, SeverityWarning, CategoryPerformance, id,
				fmt.Sprintf("source %s slow", id),
				fmt.Sprintf("average latency %dms over threshold %dms",
					m.AvgLatencyMs, th.ResponseTimeMs))
		}
	}
}

func (e *Engine) evaluateAggregate(ctx context.Context, hitRate, quality float64, age time.Duration, haveSnapshot bool, sources map[string]SourceMetrics) {
	th := e.cfg.Thresholds

	traffic := false
	for _, m := range sources {
		if m.Fetches > 0 {
			traffic = true
			break
		}
	}
	if traffic && th.CacheHitRatePct > 0 && hitRate < th.CacheHitRatePct {
		e.raiseAlert(ctx, SeverityWarning, CategoryPerformance, "",
			"cache hit rate low",
			fmt.Sprintf("hit rate %.1f%% below threshold %.1f%%", hitRate, th.CacheHitRatePct))
	}
	if !haveSnapshot {
		return
	}
	if th.QualityScore > 0 && quality < th.QualityScore {
		e.raiseAlert(ctx, SeverityCritical, CategoryDataQuality, "",
			"data quality degraded",
			fmt.Sprintf("overall quality %.2f below threshold %.2f", quality, th.QualityScore))
	}
	if th.DataAgeMs > 0 && age.Milliseconds() > th.DataAgeMs {
		e.raiseAlert(ctx, SeverityWarning, CategoryDataQuality, "",
			"consolidated data stale",
			fmt.Sprintf("snapshot is %s old, threshold %s",
				age.Round(time.Second), time.Duration(th.DataAgeMs)*time.Millisecond))
	}
}

// raiseAlert deduplicates by title: an open alert with the same title is
// refreshed instead of duplicated. New critical alerts open an incident.
func (e *Engine) raiseAlert(ctx context.Context, sev Severity, cat Category, source, title, description string) *Alert {
	now := e.now()

	e.mu.Lock()
	for _, a := range e.alerts {
		if !a.Resolved && a.Title == title {
			a.UpdatedAt = now
			a.Description = description
			dup := *a
			e.mu.Unlock()
			e.persistAlert(ctx, &dup)
			return a
		}
	}

	a := &Alert{
		ID:          e.newAlertID(),
		Severity:    sev,
		Category:    cat,
		Title:       title,
		Description: description,
		Source:      source,
		RaisedAt:    now,
		UpdatedAt:   now,
		Channels:    append([]string(nil), e.cfg.NotificationChannels...),
	}
	e.alerts[a.ID] = a

	var inc *Incident
	if sev == SeverityCritical {
		inc = &Incident{
			ID:       e.newIncidentID(),
			AlertID:  a.ID,
			Title:    title,
			Severity: sev,
			Category: cat,
			State:    StateInvestigating,
			OpenedAt: now,
		}
		e.incidents[inc.ID] = inc
	}
	e.mu.Unlock()

	e.notify(a)
	e.persistAlert(ctx, a)
	if inc != nil {
		e.persistIncident(ctx, inc)
	}
	return a
}

// notify delivers the alert to the configured channels. Only the log
// channel is implemented; other names are recorded on the alert.
func (e *Engine) notify(a *Alert) {
	for _, ch := range a.Channels {
		if ch != "log" {
			continue
		}
		e.logger.Warn("monitor: alert raised",
			"alert", a.ID,
			"severity", string(a.Severity),
			"category", string(a.Category),
			"title", a.Title,
			"source", a.Source)
	}
}

func (e *Engine) expireInfoAlerts(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var expired []*Alert
	for _, a := range e.alerts {
		if !a.Resolved && a.Severity == SeverityInfo && now.Sub(a.RaisedAt) >= infoAlertTTL {
			a.Resolved = true
			a.ResolvedAt = now
			a.ResolvedBy = "auto-expiry"
			expired = append(expired, a)
		}
	}
	e.mu.Unlock()
	for _, a := range expired {
		e.persistAlert(ctx, a)
	}
}

// sourceRecovered auto-resolves open availability alerts for a source on
// its next successful fetch, along with their incidents.
func (e *Engine) sourceRecovered(sourceID string) {
	now := e.now()
	ctx := context.Background()

	e.mu.Lock()
	var resolvedAlerts []*Alert
	var resolvedIncidents []*Incident
	for _, a := range e.alerts {
		if a.Resolved || a.Category != CategoryAvailability || a.Source != sourceID {
			continue
		}
		a.Resolved = true
		a.ResolvedAt = now
		a.ResolvedBy = "auto-recovery"
		resolvedAlerts = append(resolvedAlerts, a)
		for _, inc := range e.incidents {
			if inc.AlertID == a.ID && inc.Open() {
				inc.State = StateResolved
				inc.ResolvedAt = now
				inc.Actions = append(inc.Actions, Action{
					Action:    "source_recovered",
					Timestamp: now,
					Success:   true,
					Details:   "source succeeded on its own",
				})
				resolvedIncidents = append(resolvedIncidents, inc)
			}
		}
	}
	e.mu.Unlock()

	for _, a := range resolvedAlerts {
		e.logger.Info("monitor: availability alert auto-resolved", "alert", a.ID, "source", sourceID)
		e.persistAlert(ctx, a)
	}
	for _, inc := range resolvedIncidents {
		e.persistIncident(ctx, inc)
	}
}

// Acknowledge marks an alert acknowledged; its incident (if any) is
// acknowledged too, which exempts it from auto-remediation.
func (e *Engine) Acknowledge(ctx context.Context, id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("monitor: unknown alert %q", id)
	}
	a.Acknowledged = true
	a.UpdatedAt = e.now()
	var incs []*Incident
	for _, inc := range e.incidents {
		if inc.AlertID == id {
			inc.Acknowledged = true
			incs = append(incs, inc)
		}
	}
	e.mu.Unlock()

	e.persistAlert(ctx, a)
	for _, inc := range incs {
		e.persistIncident(ctx, inc)
	}
	return nil
}

// Resolve closes an alert by operator action, with its open incidents.
func (e *Engine) Resolve(ctx context.Context, id, reason string) error {
	now := e.now()
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("monitor: unknown alert %q", id)
	}
	a.Resolved = true
	a.ResolvedAt = now
	a.ResolvedBy = "operator"
	if reason != "" {
		a.ResolvedBy = "operator: " + reason
	}
	var incs []*Incident
	for _, inc := range e.incidents {
		if inc.AlertID == id && inc.Open() {
			inc.State = StateResolved
			inc.ResolvedAt = now
			inc.Actions = append(inc.Actions, Action{
				Action:    "operator_resolve",
				Timestamp: now,
				Success:   true,
				Details:   reason,
			})
			incs = append(incs, inc)
		}
	}
	e.mu.Unlock()

	e.persistAlert(ctx, a)
	for _, inc := range incs {
		e.persistIncident(ctx, inc)
	}
	return nil
}

// RetryFailedSources re-runs consolidation scoped to every source that
// has a persisted retry record. Each gets the one manual attempt.
func (e *Engine) RetryFailedSources(ctx context.Context) ([]string, error) {
	recs, err := e.retries.FailingKeys(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var sources []string
	for _, rec := range recs {
		// Retry keys are "source:subsection".
		id, _, ok := strings.Cut(rec.Key, ":")
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		sources = append(sources, id)
	}
	if len(sources) == 0 {
		return nil, nil
	}
	sort.Strings(sources)

	if _, err := e.consol.RunScoped(ctx, sources); err != nil {
		return sources, err
	}
	return sources, nil
}

// Alerts returns every alert, open and resolved, newest first.
func (e *Engine) Alerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

// Incidents returns every incident, newest first.
func (e *Engine) Incidents() []Incident {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Incident, 0, len(e.incidents))
	for _, inc := range e.incidents {
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

func (e *Engine) openAlerts() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Alert
	for _, a := range e.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) openIncidents() []*Incident {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Incident
	for _, inc := range e.incidents {
		if inc.Open() {
			out = append(out, inc)
		}
	}
	return out
}

func (e *Engine) persistAlert(ctx context.Context, a *Alert) {
	if err := e.store.saveAlert(ctx, a); err != nil {
		e.logger.Error("monitor: persist alert", "alert", a.ID, "error", err)
	}
}

func (e *Engine) persistIncident(ctx context.Context, inc *Incident) {
	if err := e.store.saveIncident(ctx, inc); err != nil {
		e.logger.Error("monitor: persist incident", "incident", inc.ID, "error", err)
	}
}
