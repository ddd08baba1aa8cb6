package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		if err := b.Do("advisor", func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
	}
	if b.StateOf("advisor") != StateOpen {
		t.Fatalf("expected open, got %v", b.StateOf("advisor"))
	}
	if err := b.Do("advisor", func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestProbeClosesCircuit(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	_ = b.Do("gateway.transfer", func() error { return errBoom })
	if b.StateOf("gateway.transfer") != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Do("gateway.transfer", func() error { return nil }); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if b.StateOf("gateway.transfer") != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", b.StateOf("gateway.transfer"))
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	_ = b.Do("op", func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)
	_ = b.Do("op", func() error { return errBoom })
	if b.StateOf("op") != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %v", b.StateOf("op"))
	}
}

func TestIndependentOperations(t *testing.T) {
	b := New(1, time.Hour)
	_ = b.Do("a", func() error { return errBoom })
	if err := b.Do("b", func() error { return nil }); err != nil {
		t.Fatalf("operation b must be unaffected: %v", err)
	}
}
