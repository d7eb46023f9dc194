package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rasedhq/rased/kvstore"
)

// metricsRetention bounds how long metric snapshots stay queryable.
const metricsRetention = 30 * 24 * time.Hour

// MetricsSnapshot is one persisted check observation.
type MetricsSnapshot struct {
	Timestamp     time.Time                `json:"timestamp"`
	Sources       map[string]SourceMetrics `json:"sources"`
	CacheHitRate  float64                  `json:"cache_hit_rate"`
	QualityScore  float64                  `json:"quality_score"`
	SnapshotAgeMs int64                    `json:"snapshot_age_ms"`
	OpenAlerts    int                      `json:"open_alerts"`
	OpenIncidents int                      `json:"open_incidents"`
}

// store persists alerts, incidents and metric history to the monitoring
// namespaces so the audit export survives restarts.
type store struct {
	kv kvstore.KV
}

func (s *store) saveAlert(ctx context.Context, a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("monitor: encode alert: %w", err)
	}
	meta := kvstore.Meta{Source: a.Source, StoredAt: a.RaisedAt}
	if err := s.kv.Put(ctx, kvstore.NSAlerts, a.ID, data, meta); err != nil {
		return fmt.Errorf("monitor: persist alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *store) saveIncident(ctx context.Context, inc *Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("monitor: encode incident: %w", err)
	}
	meta := kvstore.Meta{StoredAt: inc.OpenedAt}
	if err := s.kv.Put(ctx, kvstore.NSIncidents, inc.ID, data, meta); err != nil {
		return fmt.Errorf("monitor: persist incident %s: %w", inc.ID, err)
	}
	return nil
}

func (s *store) saveMetrics(ctx context.Context, snap *MetricsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("monitor: encode metrics: %w", err)
	}
	key := snap.Timestamp.UTC().Format(time.RFC3339Nano)
	meta := kvstore.Meta{
		StoredAt:  snap.Timestamp,
		ExpiresAt: snap.Timestamp.Add(metricsRetention),
	}
	if err := s.kv.Put(ctx, kvstore.NSMetrics, key, data, meta); err != nil {
		return fmt.Errorf("monitor: persist metrics: %w", err)
	}
	return nil
}

func (s *store) loadAlerts(ctx context.Context) ([]*Alert, error) {
	recs, err := s.kv.Scan(ctx, kvstore.NSAlerts, kvstore.ScanQuery{})
	if err != nil {
		return nil, fmt.Errorf("monitor: load alerts: %w", err)
	}
	out := make([]*Alert, 0, len(recs))
	for _, rec := range recs {
		var a Alert
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			return nil, fmt.Errorf("monitor: decode alert %s: %w", rec.Key, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *store) loadIncidents(ctx context.Context) ([]*Incident, error) {
	recs, err := s.kv.Scan(ctx, kvstore.NSIncidents, kvstore.ScanQuery{})
	if err != nil {
		return nil, fmt.Errorf("monitor: load incidents: %w", err)
	}
	out := make([]*Incident, 0, len(recs))
	for _, rec := range recs {
		var inc Incident
		if err := json.Unmarshal(rec.Value, &inc); err != nil {
			return nil, fmt.Errorf("monitor: decode incident %s: %w", rec.Key, err)
		}
		out = append(out, &inc)
	}
	return out, nil
}

func (s *store) loadMetrics(ctx context.Context, since time.Time) ([]MetricsSnapshot, error) {
	recs, err := s.kv.Scan(ctx, kvstore.NSMetrics, kvstore.ScanQuery{StoredAfter: since})
	if err != nil {
		return nil, fmt.Errorf("monitor: load metrics: %w", err)
	}
	out := make([]MetricsSnapshot, 0, len(recs))
	for _, rec := range recs {
		var snap MetricsSnapshot
		if err := json.Unmarshal(rec.Value, &snap); err != nil {
			return nil, fmt.Errorf("monitor: decode metrics %s: %w", rec.Key, err)
		}
		out = append(out, snap)
	}
	return out, nil
}
