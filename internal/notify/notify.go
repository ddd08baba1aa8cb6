// Package notify provides fire-and-forget notification delivery.
//
// The booking, escrow and dispute services emit an event whenever a
// transition changes who must act next. Delivery failures are logged and
// never block the owning operation.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbento/servpay/internal/idgen"
	"github.com/mbento/servpay/internal/metrics"
	"github.com/mbento/servpay/internal/retry"
)

// EventType identifies what happened.
type EventType string

const (
	EventBookingRequested       EventType = "booking.requested"
	EventBookingConfirmed       EventType = "booking.confirmed"
	EventBookingCancelled       EventType = "booking.cancelled"
	EventBookingStarted         EventType = "booking.started"
	EventBookingCompleted       EventType = "booking.completed"
	EventBookingNoShow          EventType = "booking.no_show"
	EventBookingAlternative     EventType = "booking.alternative_proposed"
	EventEscrowOpened           EventType = "escrow.opened"
	EventEscrowReleased         EventType = "escrow.released"
	EventEscrowRefundRequested  EventType = "escrow.refund_requested"
	EventEscrowRefunded         EventType = "escrow.refunded"
	EventEscrowPartialRefund    EventType = "escrow.partial_refund"
	EventDisputeOpened          EventType = "dispute.opened"
	EventDisputeCounterOffer    EventType = "dispute.counter_offer"
	EventDisputeEscalated       EventType = "dispute.escalated"
	EventDisputeOptionsReady    EventType = "dispute.options_ready"
	EventDisputeDecisionReady   EventType = "dispute.decision_ready"
	EventDisputeResolved        EventType = "dispute.resolved"
)

// Event is one notification to one user.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink delivers a single event. Implementations: log sink (development),
// push/email bridges (external collaborators), the realtime hub.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Deliver(ctx context.Context, event *Event) error { return f(ctx, event) }

// LogSink logs events instead of delivering them.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, event *Event) error {
	s.Logger.Info("notification",
		"event", event.Type, "user", event.UserID, "id", event.ID)
	return nil
}

// Notifier fans events out to sinks asynchronously.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger
	queue  chan *Event
	done   chan struct{}
}

// New creates a notifier and starts its delivery worker.
func New(logger *slog.Logger, sinks ...Sink) *Notifier {
	n := &Notifier{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan *Event, 256),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	for event := range n.queue {
		for _, sink := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
				return sink.Deliver(ctx, event)
			})
			cancel()
			if err != nil {
				metrics.NotificationsTotal.WithLabelValues("error").Inc()
				n.logger.Warn("notification delivery failed",
					"event", event.Type, "user", event.UserID, "error", err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// Notify enqueues an event. Never blocks the caller: if the queue is full
// the event is dropped and logged.
func (n *Notifier) Notify(userID string, eventType EventType, data map[string]any) {
	if n == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case n.queue <- event:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn("notification queue full, dropping event",
			"event", eventType, "user", userID)
	}
}

// Close drains the queue and stops the worker.
func (n *Notifier) Close() {
	close(n.queue)
	<-n.done
}
