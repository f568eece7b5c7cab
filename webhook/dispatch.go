package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitboard/ghauth/storage"
)

// GitHub delivery headers.
const (
	// EventHeader names the event type (push, pull_request, ...).
	EventHeader = "X-GitHub-Event"

	// DeliveryHeader carries the globally unique delivery ID GitHub
	// assigns to each attempt.
	DeliveryHeader = "X-GitHub-Delivery"
)

// DefaultDedupTTL is how long a delivery ID is remembered. GitHub
// redelivers within hours, not days.
const DefaultDedupTTL = 6 * time.Hour

// ErrDuplicateDelivery means the delivery ID was already processed
// within the deduplication window.
var ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

// Delivery is one verified webhook delivery.
type Delivery struct {
	// Event is the event name from the X-GitHub-Event header.
	Event string

	// ID is the delivery ID from the X-GitHub-Delivery header.
	ID string

	// Payload is the verified raw body.
	Payload []byte
}

// HandlerFunc processes one verified, deduplicated delivery.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Dispatcher routes verified deliveries to per-event handlers,
// dropping redelivered attempts.
type Dispatcher struct {
	handlers   map[string]HandlerFunc
	deliveries storage.DeliveryStore
	dedupTTL   time.Duration
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil delivery store disables
// deduplication.
func NewDispatcher(deliveries storage.DeliveryStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers:   make(map[string]HandlerFunc),
		deliveries: deliveries,
		dedupTTL:   DefaultDedupTTL,
		logger:     logger,
	}

	// ping is GitHub's configuration test; always acknowledged.
	d.Handle("ping", func(context.Context, Delivery) error { return nil })

	return d
}

// Handle registers a handler for an event name, replacing any
// previous one.
func (d *Dispatcher) Handle(event string, fn HandlerFunc) {
	d.handlers[event] = fn
}

// Dispatch routes one delivery. Redelivered IDs return
// ErrDuplicateDelivery without invoking any handler. Events with no
// registered handler are acknowledged and logged, not failed, so
// enabling new event types at GitHub cannot break the endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) error {
	if d.deliveries != nil && delivery.ID != "" {
		err := d.deliveries.RecordDelivery(ctx, delivery.ID, time.Now().Add(d.dedupTTL))
		if err != nil {
			if errors.Is(err, storage.ErrDeliveryDuplicate) {
				return ErrDuplicateDelivery
			}
			return fmt.Errorf("record delivery: %w", err)
		}
	}

	fn, ok := d.handlers[delivery.Event]
	if !ok {
		d.logger.Info("unhandled webhook event",
			"event", delivery.Event, "delivery_id", delivery.ID)
		return nil
	}

	if err := fn(ctx, delivery); err != nil {
		return fmt.Errorf("handle %s delivery: %w", delivery.Event, err)
	}
	return nil
}
