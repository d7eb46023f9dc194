package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rasedhq/rased/dbopen"
	"github.com/rasedhq/rased/kvstore"
	_ "modernc.org/sqlite"
)

func testCoordinator(t *testing.T, cfg Config) (*Coordinator, *[]time.Duration) {
	t.Helper()
	kv, err := kvstore.NewWithDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	c := New(kv, cfg, nil)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestSuccessLeavesNoRecord(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	err := c.Do(ctx, "K", func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Record(ctx, "K"); ok {
		t.Fatal("record exists after success")
	}
}

func TestExhaustionWaitsAndRecord(t *testing.T) {
	c, waits := testCoordinator(t, Config{
		MaxAttempts:  3,
		InitialDelay: 1000 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30_000 * time.Millisecond,
	})
	ctx := context.Background()
	boom := errors.New("network down")

	calls := 0
	err := c.Do(ctx, "K", func(context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want exactly maxAttempts", calls)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Fatalf("waits = %v, want [1s 2s]", *waits)
	}

	rec, ok, err := c.Record(ctx, "K")
	if err != nil || !ok {
		t.Fatalf("record missing after exhaustion: %v", err)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rec.Attempts)
	}
	if rec.LastError != "network down" {
		t.Fatalf("lastError = %q", rec.LastError)
	}
}

func TestSuccessAfterFailureClearsRecord(t *testing.T) {
	c, _ := testCoordinator(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	calls := 0
	err := c.Do(ctx, "K", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Record(ctx, "K"); ok {
		t.Fatal("record not cleared on success")
	}
}

func TestResumeFromPersistedAttempts(t *testing.T) {
	c, waits := testCoordinator(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	// Two failures already on record from a previous session.
	if err := c.persist(ctx, "K", 2, errors.New("old")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	err := c.Do(ctx, "K", func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	// One attempt remained; no backoff wait before giving up.
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Fatalf("waits = %v, want none", *waits)
	}
}

func TestManualRetryAfterExhaustionGetsOneAttempt(t *testing.T) {
	c, _ := testCoordinator(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	if err := c.persist(ctx, "K", 3, errors.New("old")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	err := c.Do(ctx, "K", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if _, ok, _ := c.Record(ctx, "K"); ok {
		t.Fatal("record survived a successful manual retry")
	}
}

func TestBackoffCap(t *testing.T) {
	c, _ := testCoordinator(t, Config{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	})
	if got := c.Backoff(1); got != time.Second {
		t.Fatalf("Backoff(1) = %v", got)
	}
	if got := c.Backoff(5); got != 16*time.Second {
		t.Fatalf("Backoff(5) = %v", got)
	}
	if got := c.Backoff(6); got != 30*time.Second {
		t.Fatalf("Backoff(6) = %v, want capped 30s", got)
	}
	if got := c.Backoff(50); got != 30*time.Second {
		t.Fatalf("Backoff(50) = %v, want capped 30s", got)
	}
}

func TestCancelledDuringBackoff(t *testing.T) {
	c, _ := testCoordinator(t, Config{MaxAttempts: 3})
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	calls := 0
	err := c.Do(context.Background(), "K", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestFailingKeys(t *testing.T) {
	c, _ := testCoordinator(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	c.Do(ctx, "A", func(context.Context) error { return errors.New("x") })
	c.Do(ctx, "B", func(context.Context) error { return errors.New("y") })
	c.Do(ctx, "C", func(context.Context) error { return nil })

	recs, err := c.FailingKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("failing keys = %d, want 2", len(recs))
	}
}
