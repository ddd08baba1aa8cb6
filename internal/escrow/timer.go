package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Timer releases held transactions whose grace window has lapsed without
// a dispute or refund request. Safe to run on multiple instances: the
// release path is idempotent and guarded by the per-booking lock.
type Timer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewTimer creates an auto-release sweeper.
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
		logger:   logger.With("component", "escrow_timer"),
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
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	txns, err := t.service.store.ListAutoReleasable(ctx, time.Now(), t.batch)
	if err != nil {
		t.logger.Error("auto-release sweep query failed", "error", err)
		return
	}
	for _, txn := range txns {
		// release re-reads under the booking lock, so a transaction that
		// entered dispute since the query is skipped, not paid.
		if _, err := t.service.release(ctx, txn.BookingID, "system", "auto_release"); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue // moved to dispute or refund since the query
			}
			t.logger.Error("auto-release failed",
				"transaction_id", txn.ID, "booking_id", txn.BookingID, "error", err)
			continue
		}
		t.logger.Info("auto-released escrow",
			"transaction_id", txn.ID, "booking_id", txn.BookingID)
	}
}
