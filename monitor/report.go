package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// System health levels.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// SourceStatus is the per-source line in the status report.
type SourceStatus struct {
	State        string    `json:"state"`
	ErrorRatePct float64   `json:"error_rate_pct"`
	AvgLatencyMs int64     `json:"avg_latency_ms"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// IncidentCounts buckets incidents by age of opening.
type IncidentCounts struct {
	Last24h int `json:"last_24h"`
	Last7d  int `json:"last_7d"`
	Last30d int `json:"last_30d"`
}

// SystemStatus is the machine-readable monitoring summary.
type SystemStatus struct {
	Health         string                  `json:"health"`
	GeneratedAt    time.Time               `json:"generated_at"`
	Sources        map[string]SourceStatus `json:"sources"`
	CacheHitRate   float64                 `json:"cache_hit_rate"`
	QualityScore   float64                 `json:"quality_score"`
	SnapshotAgeMs  int64                   `json:"snapshot_age_ms"`
	OpenAlerts     []Alert                 `json:"open_alerts"`
	IncidentCounts IncidentCounts          `json:"incident_counts"`
}

// auditExport is everything the monitoring engine knows, for offline
// review.
type auditExport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Status      SystemStatus      `json:"status"`
	Alerts      []Alert           `json:"alerts"`
	Incidents   []Incident        `json:"incidents"`
	Metrics     []MetricsSnapshot `json:"metrics"`
}

// Status builds the machine-readable system status from the latest
// persisted metrics and the in-memory alert state.
func (e *Engine) Status(ctx context.Context) (SystemStatus, error) {
	now := e.now()
	st := SystemStatus{
		Health:      HealthHealthy,
		GeneratedAt: now,
		Sources:     make(map[string]SourceStatus),
	}

	history, err := e.store.loadMetrics(ctx, now.Add(-2*e.cfg.CheckInterval))
	if err != nil {
		return SystemStatus{}, err
	}
	if len(history) > 0 {
		latest := history[0] // scan orders newest first
		st.CacheHitRate = latest.CacheHitRate
		st.QualityScore = latest.QualityScore
		st.SnapshotAgeMs = latest.SnapshotAgeMs
		for id, m := range latest.Sources {
			state := "active"
			if m.Fetches > 0 && m.ErrorRatePct >= 100 {
				state = "down"
			} else if m.ErrorRatePct > 0 {
				state = "degraded"
			}
			st.Sources[id] = SourceStatus{
				State:        state,
				ErrorRatePct: m.ErrorRatePct,
				AvgLatencyMs: m.AvgLatencyMs,
				LastSuccess:  m.LastSuccess,
				LastError:    m.LastError,
			}
		}
	}

	for _, a := range e.openAlerts() {
		st.OpenAlerts = append(st.OpenAlerts, *a)
		switch a.Severity {
		case SeverityCritical:
			st.Health = HealthCritical
		case SeverityWarning:
			if st.Health != HealthCritical {
				st.Health = HealthDegraded
			}
		}
	}
	sort.Slice(st.OpenAlerts, func(i, j int) bool {
		return st.OpenAlerts[i].RaisedAt.After(st.OpenAlerts[j].RaisedAt)
	})

	for _, inc := range e.Incidents() {
		age := now.Sub(inc.OpenedAt)
		if age <= 24*time.Hour {
			st.IncidentCounts.Last24h++
		}
		if age <= 7*24*time.Hour {
			st.IncidentCounts.Last7d++
		}
		if age <= 30*24*time.Hour {
			st.IncidentCounts.Last30d++
		}
	}
	return st, nil
}

// Report renders the status as operator-readable text.
func (e *Engine) Report(ctx context.Context) (string, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "System health: %s (generated %s)\n",
		strings.ToUpper(st.Health), st.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Quality score: %.2f   Cache hit rate: %.1f%%   Snapshot age: %s\n",
		st.QualityScore, st.CacheHitRate,
		(time.Duration(st.SnapshotAgeMs) * time.Millisecond).Round(time.Second))

	b.WriteString("\nSources:\n")
	ids := make([]string, 0, len(st.Sources))
	for id := range st.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		b.WriteString("  (no fetch activity in the last check window)\n")
	}
	for _, id := range ids {
		s := st.Sources[id]
		fmt.Fprintf(&b, "  %-20s %-9s errors %.0f%%  latency %dms\n",
			id, s.State, s.ErrorRatePct, s.AvgLatencyMs)
	}

	fmt.Fprintf(&b, "\nOpen alerts: %d\n", len(st.OpenAlerts))
	for _, a := range st.OpenAlerts {
		ack := ""
		if a.Acknowledged {
			ack = " [ack]"
		}
		fmt.Fprintf(&b, "  [%s] %s — %s%s\n", a.Severity, a.Title, a.Description, ack)
	}

	fmt.Fprintf(&b, "\nIncidents: %d in 24h, %d in 7d, %d in 30d\n",
		st.IncidentCounts.Last24h, st.IncidentCounts.Last7d, st.IncidentCounts.Last30d)
	return b.String(), nil
}

// Export dumps the full monitoring history as JSON for audit.
func (e *Engine) Export(ctx context.Context) ([]byte, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}
	metrics, err := e.store.loadMetrics(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	exp := auditExport{
		GeneratedAt: e.now(),
		Status:      st,
		Alerts:      e.Alerts(),
		Incidents:   e.Incidents(),
		Metrics:     metrics,
	}
	return json.MarshalIndent(exp, "", "  ")
}
