package inventory

import (
	"context"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/events"
)

// Consumer is the inbox name used for inventory subscriptions.
const Consumer = "inventory"

// NewHandler reacts to order events: CREATED reserves and publishes the outcome
// on the inventory topic, CANCELLED releases. Both paths are idempotent, so a
// failed publish is retried by redelivering the order event.
func NewHandler(svc *Service, pub bus.Publisher) bus.Handler {
	return func(ctx context.Context, env *events.Envelope) error {
		var ev events.OrderEvent
		if err := env.Decode(&ev); err != nil {
			return bus.Permanent(err)
		}
		if err := ev.Validate(); err != nil {
			return bus.Permanent(err)
		}

		switch ev.Status {
		case events.OrderCreated:
			out, err := svc.Reserve(ctx, ev)
			if err != nil {
				return fmt.Errorf("reserving inventory: %w", err)
			}
			return pub.Publish(ctx, events.TopicInventory, ev.OrderID.String(), out)
		case events.OrderCancelled:
			if _, err := svc.Release(ctx, ev); err != nil {
				return fmt.Errorf("releasing inventory: %w", err)
			}
			return nil
		default:
			return bus.Permanent(fmt.Errorf("%w: %s", events.ErrUnknownStatus, ev.Status))
		}
	}
}
