package health

import (
	"context"
	"errors"
	"testing"
)

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) error { return nil })
	r.Register("gateway", func(ctx context.Context) error {
		return errors.New("circuit open")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("aggregate must be unhealthy when any check fails")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "db" || !statuses[0].Healthy {
		t.Errorf("db status: %+v", statuses[0])
	}
	if statuses[1].Detail != "circuit open" {
		t.Errorf("detail lost: %+v", statuses[1])
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) error { return errors.New("down") })
	r.Register("db", func(ctx context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 1 {
		t.Errorf("replaced check: healthy=%v statuses=%d", healthy, len(statuses))
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Errorf("empty registry: healthy=%v statuses=%d", healthy, len(statuses))
	}
}

func TestCheckContextHasDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})

	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Error("check must run under a per-check deadline")
	}
}
