// Package retry executes operations with exponential backoff and durable
// attempt bookkeeping. Attempt counts are persisted per key in the
// retry_tracking namespace, so a restart (or a later manual retry) resumes
// from the recorded count instead of restarting the backoff from zero —
// deliberate protection against thundering-herd retries after an outage.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rasedhq/rased/kvstore"
)

// ErrExhausted wraps the last operation error once MaxAttempts is reached.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config tunes the backoff schedule.
type Config struct {
	// MaxAttempts is the total number of attempts before giving up. Default: 3.
	MaxAttempts int
	// InitialDelay is the wait after the first failure. Default: 1s.
	InitialDelay time.Duration
	// Multiplier grows the wait each attempt. Default: 2.
	Multiplier float64
	// MaxDelay caps the wait. Default: 30s.
	MaxDelay time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Record is the persisted bookkeeping for a failing key. It exists only
// while the key has outstanding failures; the first success deletes it.
type Record struct {
	Key         string    `json:"key"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error"`
}

// Coordinator runs operations under the backoff policy.
type Coordinator struct {
	kv     kvstore.KV
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator.
func New(kv kvstore.KV, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{kv: kv, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Do executes op under the stable key. On failure the attempt count and
// last error are persisted before the backoff wait. On success the record
// is deleted. When MaxAttempts is exhausted the last error is returned
// wrapped in ErrExhausted and the record is left in place.
//
// A key that already carries a record at MaxAttempts still gets one
// attempt (the manual-retry path); its backoff history is not reset.
func (c *Coordinator) Do(ctx context.Context, key string, op func(context.Context) error) error {
	attempts := 0
	if rec, ok, err := c.Record(ctx, key); err == nil && ok {
		attempts = rec.Attempts
		if attempts >= c.cfg.MaxAttempts {
			attempts = c.cfg.MaxAttempts - 1
		}
	}

	var lastErr error
	for {
		lastErr = op(ctx)
		if lastErr == nil {
			if err := c.Clear(ctx, key); err != nil {
				c.logger.Warn("retry: clear record failed", "key", key, "error", err)
			}
			return nil
		}

		attempts++
		if err := c.persist(ctx, key, attempts, lastErr); err != nil {
			c.logger.Warn("retry: persist record failed", "key", key, "error", err)
		}

		if attempts >= c.cfg.MaxAttempts {
			return fmt.Errorf("%w (key %q, %d attempts): %w", ErrExhausted, key, attempts, lastErr)
		}

		wait := c.Backoff(attempts)
		c.logger.Warn("retry: attempt failed, backing off",
			"key", key,
			"attempt", attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", lastErr)

		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry: cancelled during backoff (key %q): %w", key, lastErr)
		}
	}
}

// Backoff returns the wait after the nth consecutive failure (n >= 1):
// min(InitialDelay * Multiplier^(n-1), MaxDelay).
func (c *Coordinator) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(failures-1)))
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}
	return d
}

// Record loads the persisted record for key. ok is false when the key has
// no outstanding failures.
func (c *Coordinator) Record(ctx context.Context, key string) (Record, bool, error) {
	rec, err := c.kv.Get(ctx, kvstore.NSRetry, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("retry: load record %s: %w", key, err)
	}
	var r Record
	if err := json.Unmarshal(rec.Value, &r); err != nil {
		return Record{}, false, fmt.Errorf("retry: decode record %s: %w", key, err)
	}
	return r, true, nil
}

// FailingKeys lists all keys with outstanding failures.
func (c *Coordinator) FailingKeys(ctx context.Context) ([]Record, error) {
	recs, err := c.kv.Scan(ctx, kvstore.NSRetry, kvstore.ScanQuery{})
	if err != nil {
		return nil, fmt.Errorf("retry: scan records: %w", err)
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		var r Record
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			c.logger.Warn("retry: skipping undecodable record", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Clear deletes the record for key.
func (c *Coordinator) Clear(ctx context.Context, key string) error {
	return c.kv.Delete(ctx, kvstore.NSRetry, key)
}

func (c *Coordinator) persist(ctx context.Context, key string, attempts int, lastErr error) error {
	rec := Record{
		Key:         key,
		Attempts:    attempts,
		LastAttempt: time.Now(),
		LastError:   lastErr.Error(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, kvstore.NSRetry, key, data, kvstore.Meta{StoredAt: rec.LastAttempt})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
