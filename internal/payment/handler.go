package payment

import (
	"context"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/events"
)

// Consumer is the inbox name used for payment subscriptions.
const Consumer = "payment"

// NewHandler reacts to order events: CREATED debits and publishes the outcome
// on the payments topic, CANCELLED credits.
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
			out, err := svc.Debit(ctx, ev)
			if err != nil {
				return fmt.Errorf("debiting payment: %w", err)
			}
			return pub.Publish(ctx, events.TopicPayments, ev.OrderID.String(), out)
		case events.OrderCancelled:
			if _, err := svc.Credit(ctx, ev); err != nil {
				return fmt.Errorf("crediting payment: %w", err)
			}
			return nil
		default:
			return bus.Permanent(fmt.Errorf("%w: %s", events.ErrUnknownStatus, ev.Status))
		}
	}
}
