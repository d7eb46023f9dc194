// Package cache is the TTL cache manager in front of the source fetchers.
// Entries live in the durable store's api_cache namespace and survive
// restarts; expiry is enforced lazily on read, so correctness never
// depends on a background sweep.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rasedhq/rased/kvstore"
)

// Manager applies the TTL policy over the api_cache namespace.
type Manager struct {
	kv     kvstore.KV
	policy TTLPolicy
	logger *slog.Logger

	// floorMu guards floors: per-source TTL floors raised by the
	// monitoring engine's performance remediation.
	floorMu sync.RWMutex
	floors  map[string]time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy overrides the default TTL policy table.
func WithPolicy(p TTLPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// New creates a Manager over the given store.
func New(kv kvstore.KV, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		kv:     kv,
		policy: DefaultTTLPolicy(),
		logger: logger,
		floors: make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the cached payload for key, or ok=false when absent.
// An entry whose expiry has passed is treated as absent and deleted.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, err := m.kv.Get(ctx, kvstore.NSCache, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		m.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}

	if !rec.Meta.ExpiresAt.IsZero() && !time.Now().Before(rec.Meta.ExpiresAt) {
		m.misses.Add(1)
		if err := m.kv.Delete(ctx, kvstore.NSCache, key); err != nil {
			m.logger.Warn("cache: expired entry delete failed", "key", key, "error", err)
		}
		return nil, false, nil
	}

	m.hits.Add(1)
	return rec.Value, true, nil
}

// Put stores payload under key with the TTL selected by the policy table
// (raised to the source's floor if one is set).
func (m *Manager) Put(ctx context.Context, key string, payload []byte, source string) error {
	return m.PutTTL(ctx, key, payload, source, m.ttlFor(key, source))
}

// PutTTL stores payload with an explicit TTL.
func (m *Manager) PutTTL(ctx context.Context, key string, payload []byte, source string, ttl time.Duration) error {
	now := time.Now()
	meta := kvstore.Meta{
		Source:    source,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.kv.Put(ctx, kvstore.NSCache, key, payload, meta); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

// TTLFor reports the TTL the policy would apply to key, accounting for
// any raised per-source floor.
func (m *Manager) TTLFor(key, source string) time.Duration {
	return m.ttlFor(key, source)
}

func (m *Manager) ttlFor(key, source string) time.Duration {
	ttl := m.policy.Lookup(key)
	m.floorMu.RLock()
	floor := m.floors[source]
	m.floorMu.RUnlock()
	if floor > ttl {
		ttl = floor
	}
	return ttl
}

// RaiseTTL sets a TTL floor for all future entries from source. Used by
// the performance remediation to reduce request pressure on a slow source.
// Existing entries keep their recorded expiry.
func (m *Manager) RaiseTTL(source string, ttl time.Duration) {
	m.floorMu.Lock()
	if ttl > m.floors[source] {
		m.floors[source] = ttl
	}
	m.floorMu.Unlock()
	m.logger.Info("cache: ttl floor raised", "source", source, "ttl", ttl)
}

// ClearSource deletes every cache entry attributed to source.
func (m *Manager) ClearSource(ctx context.Context, source string) (int64, error) {
	n, err := m.kv.DeleteWhere(ctx, kvstore.NSCache, kvstore.ScanQuery{Source: source})
	if err != nil {
		return 0, fmt.Errorf("cache: clear source %s: %w", source, err)
	}
	return n, nil
}

// Clear deletes every cache entry.
func (m *Manager) Clear(ctx context.Context) error {
	if _, err := m.kv.DeleteWhere(ctx, kvstore.NSCache, kvstore.ScanQuery{}); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Sweep opportunistically deletes expired entries and returns the count
// removed. Lazy expiry on Get keeps the cache correct without it.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.kv.DeleteWhere(ctx, kvstore.NSCache, kvstore.ScanQuery{ExpiredBefore: time.Now()})
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}
	if n > 0 {
		m.logger.Debug("cache: swept expired entries", "count", n)
	}
	return n, nil
}

// Stats are point-in-time hit/miss counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load()}
}

// HitRate returns hits/(hits+misses) as a percentage, or 100 when the
// cache has not been read yet (an idle cache is not an unhealthy one).
func (m *Manager) HitRate() float64 {
	h, s := m.hits.Load(), m.misses.Load()
	total := h + s
	if total == 0 {
		return 100
	}
	return float64(h) / float64(total) * 100
}
