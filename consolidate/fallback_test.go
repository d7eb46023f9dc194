package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFirstSuccessTakesFirst(t *testing.T) {
	payload, id, err := FirstSuccess(context.Background(), []string{"a", "b"},
		func(ctx context.Context, id string) (json.RawMessage, error) {
			if id == "b" {
				t.Fatal("second candidate consulted after first succeeded")
			}
			return json.RawMessage(`{"from":"a"}`), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if id != "a" {
		t.Fatalf("served by %q, want a", id)
	}
	if string(payload) != `{"from":"a"}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestFirstSuccessFallsBack(t *testing.T) {
	payload, id, err := FirstSuccess(context.Background(), []string{"a", "b"},
		func(ctx context.Context, id string) (json.RawMessage, error) {
			if id == "a" {
				return nil, errors.New("boom")
			}
			return json.RawMessage(`{"from":"b"}`), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if id != "b" {
		t.Fatalf("served by %q, want b", id)
	}
	if string(payload) != `{"from":"b"}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestFirstSuccessAllFail(t *testing.T) {
	sentinel := errors.New("down")
	_, _, err := FirstSuccess(context.Background(), []string{"a", "b"},
		func(ctx context.Context, id string) (json.RawMessage, error) {
			return nil, sentinel
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("joined error should wrap the per-source errors: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if !strings.Contains(err.Error(), id) {
			t.Fatalf("error should name candidate %s: %v", id, err)
		}
	}
}

func TestFirstSuccessNoCandidates(t *testing.T) {
	_, _, err := FirstSuccess(context.Background(), nil,
		func(ctx context.Context, id string) (json.RawMessage, error) {
			t.Fatal("fetch called with no candidates")
			return nil, nil
		})
	if err == nil {
		t.Fatal("expected error for empty candidate list")
	}
}

func TestFirstSuccessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := FirstSuccess(ctx, []string{"a"},
		func(ctx context.Context, id string) (json.RawMessage, error) {
			t.Fatal("fetch called after cancellation")
			return nil, nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
