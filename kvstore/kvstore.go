// Package kvstore is the durable key-value layer shared by every rased
// component. Each component owns a disjoint namespace; no two components
// mutate the same record.
//
// The interface is deliberately generic (get/put/delete/scan) so any
// embedded or networked KV engine can back it. The shipped backend is
// SQLite via modernc.org/sqlite, with one logical table exposed as
// namespaces.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// Namespaces owned by the rased components. The cache manager, the retry
// coordinator, the consolidation engine and the monitoring engine each
// write only to their own.
const (
	NSSnapshot  = "consolidated_snapshot"
	NSCache     = "api_cache"
	NSRetry     = "retry_tracking"
	NSAlerts    = "alerts"
	NSIncidents = "incidents"
	NSMetrics   = "metrics_history"
)

// ErrNotFound is returned by Get when no record exists under the key.
var ErrNotFound = errors.New("kvstore: not found")

// Meta carries the per-record columns beyond the raw value.
type Meta struct {
	// Source tags the record with the data source that produced it.
	Source string
	// StoredAt is the write time. Zero means "now" on Put.
	StoredAt time.Time
	// ExpiresAt marks the record stale after this instant. Zero = never.
	ExpiresAt time.Time
}

// Record is one stored entry.
type Record struct {
	Key   string
	Value []byte
	Meta  Meta
}

// ScanQuery filters Scan, Count and DeleteWhere. Zero fields are ignored.
type ScanQuery struct {
	Prefix        string
	Source        string
	ExpiredBefore time.Time // records whose ExpiresAt is set and before this
	StoredAfter   time.Time
	Limit         int
}

// KV is the durable store contract. All operations take a context; the
// SQLite backend retries transparently on SQLITE_BUSY.
type KV interface {
	Get(ctx context.Context, ns, key string) (Record, error)
	Put(ctx context.Context, ns, key string, value []byte, meta Meta) error
	Delete(ctx context.Context, ns, key string) error
	Scan(ctx context.Context, ns string, q ScanQuery) ([]Record, error)
	Count(ctx context.Context, ns string, q ScanQuery) (int64, error)
	DeleteWhere(ctx context.Context, ns string, q ScanQuery) (int64, error)
	Close() error
}
