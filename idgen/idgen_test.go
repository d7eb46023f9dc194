package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for range 100 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("alr_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "alr_") {
		t.Fatalf("ID %q missing prefix", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "alr_")); err != nil {
		t.Fatalf("suffix is not a UUID: %v", err)
	}
}
