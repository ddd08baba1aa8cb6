package idgen

import (
	"strings"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %d", len(id)-len("esc_"))
	}
}
