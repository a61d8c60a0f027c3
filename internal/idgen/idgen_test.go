package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	id := New()
	if !Valid(id) {
		t.Fatalf("expected a valid uuid, got %q", id)
	}
	if id == New() {
		t.Error("expected unique ids")
	}
}

func TestWithPrefix(t *testing.T) {
	id := Alert()
	if !strings.HasPrefix(id, "alr_") {
		t.Fatalf("expected alr_ prefix, got %q", id)
	}
	if len(id) != len("alr_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %q", id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Request()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("expected invalid")
	}
}
