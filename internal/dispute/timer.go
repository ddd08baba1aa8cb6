package dispute

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Timer advances disputes whose phase deadlines have lapsed: phase 1
// auto-escalates to mediation, phase 2 to arbitration, and a phase-3
// decision left unreviewed auto-executes as accepted. Each transition
// goes through the same guarded operations a user action would, so a
// dispute resolved between the query and the lock is skipped cleanly.
type Timer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewTimer creates a dispute deadline sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger.With("component", "dispute_timer"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (t *Timer) Start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	now := time.Now()

	// Later phases sweep first so a dispute advances at most one phase
	// per pass; the parties always get a full window in the new phase
	// before the next deadline can fire.
	t.sweepPhase(ctx, "phase3", func() ([]*Dispute, error) {
		return t.service.store.ListLapsedPhase3(ctx, now, t.batch)
	}, func(d *Dispute) error {
		unlock := t.service.locks.Lock(d.ID)
		defer unlock()
		cur, err := t.service.store.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		_, err = t.service.executeDecision(ctx, cur, evPhase3Lapse)
		return err
	})

	t.sweepPhase(ctx, "phase2", func() ([]*Dispute, error) {
		return t.service.store.ListLapsedPhase2(ctx, now, t.batch)
	}, func(d *Dispute) error {
		unlock := t.service.locks.Lock(d.ID)
		defer unlock()
		cur, err := t.service.store.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		_, err = t.service.escalateToArbitration(ctx, cur)
		return err
	})

	t.sweepPhase(ctx, "phase1", func() ([]*Dispute, error) {
		return t.service.store.ListLapsedPhase1(ctx, now, t.batch)
	}, func(d *Dispute) error {
		unlock := t.service.locks.Lock(d.ID)
		defer unlock()
		cur, err := t.service.store.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		_, err = t.service.escalateToMediation(ctx, cur)
		return err
	})
}

func (t *Timer) sweepPhase(ctx context.Context, phase string, list func() ([]*Dispute, error), advance func(*Dispute) error) {
	disputes, err := list()
	if err != nil {
		t.logger.Error("deadline sweep query failed", "phase", phase, "error", err)
		return
	}
	for _, d := range disputes {
		if err := advance(d); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // moved on since the query
			}
			// Advisor outages are retried on the next pass; the dispute
			// keeps its lapsed deadline.
			t.logger.Error("deadline sweep transition failed",
				"phase", phase, "dispute_id", d.ID, "error", err)
			continue
		}
		t.logger.Info("deadline transition applied", "phase", phase, "dispute_id", d.ID)
	}
}
