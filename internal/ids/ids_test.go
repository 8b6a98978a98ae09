package ids

import (
	"strings"
	"testing"
)

func TestNewCarriesKindPrefix(t *testing.T) {
	id := New(KindLease)
	if !strings.HasPrefix(id, "lease_") {
		t.Fatalf("unexpected prefix: %s", id)
	}
	if _, err := Parse(KindLease, id); err != nil {
		t.Fatalf("freshly minted id did not parse: %v", err)
	}
}

func TestParseRejectsCrossKind(t *testing.T) {
	id := New(KindAgent)
	if _, err := Parse(KindLease, id); err == nil {
		t.Fatalf("agent id accepted as lease id")
	}
}

func TestParseRejectsGarbagePayload(t *testing.T) {
	for _, id := range []string{"lease_", "lease_not-a-ulid", "lease", "", "lease_01J!!!!"} {
		if Valid(KindLease, id) {
			t.Fatalf("accepted malformed id %q", id)
		}
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := New(KindLease)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
