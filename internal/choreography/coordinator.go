// Package choreography settles orders from participant outcome events, with no
// central saga state.
package choreography

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Consumer is the inbox name used for coordinator subscriptions.
const Consumer = "order"

const mode = "choreography"

// Notifier wakes the outbox relay.
type Notifier interface {
	Notify()
}

// Starter announces new orders by writing an order-created event to the outbox
// in the placement transaction.
type Starter struct {
	notify Notifier
}

func NewStarter(n Notifier) *Starter {
	return &Starter{notify: n}
}

func (s *Starter) Prepare(ctx context.Context, tx *db.Tx, o *db.Order) error {
	_, err := tx.EnqueueEvent(ctx, events.TopicOrders, o.ID.String(), orderEvent(o, events.OrderCreated))
	return err
}

func (s *Starter) Started(context.Context, *db.Order) {
	if s.notify != nil {
		s.notify.Notify()
	}
}

// Coordinator records inventory and payment outcomes on the order. Both
// successes confirm it, in whichever order they arrive. The first failure
// cancels it and emits an order-cancelled event so the other participant
// compensates. Outcomes for an order already settled are ignored.
type Coordinator struct {
	store   *db.DB
	notify  Notifier
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(store *db.DB, n Notifier, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{store: store, notify: n, logger: logger, metrics: m}
}

// Subscribe registers the coordinator's handlers.
func (c *Coordinator) Subscribe(b bus.Bus) error {
	if err := b.Subscribe(events.TopicInventory, Consumer, c.HandleInventory); err != nil {
		return err
	}
	return b.Subscribe(events.TopicPayments, Consumer, c.HandlePayment)
}

func (c *Coordinator) HandleInventory(ctx context.Context, env *events.Envelope) error {
	var ev events.InventoryEvent
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	if err := ev.Validate(); err != nil {
		return bus.Permanent(err)
	}
	return c.apply(ctx, ev.OrderID, db.ParticipantInventory, string(ev.Status), ev.Status == events.InventoryReserved)
}

func (c *Coordinator) HandlePayment(ctx context.Context, env *events.Envelope) error {
	var ev events.PaymentEvent
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	if err := ev.Validate(); err != nil {
		return bus.Permanent(err)
	}
	return c.apply(ctx, ev.OrderID, db.ParticipantPayment, string(ev.Status), ev.Status == events.PaymentCompleted)
}

func (c *Coordinator) apply(ctx context.Context, id uuid.UUID, participant db.Participant, status string, ok bool) error {
	log := c.logger.With(
		zap.Stringer("order_id", id),
		zap.String("participant", string(participant)),
		zap.String("status", status))

	var final string
	var cancelled bool
	err := c.store.InTx(ctx, func(tx *db.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}

		recorded, err := tx.RecordParticipantStatus(ctx, id, participant, status)
		if err != nil {
			return err
		}
		if !recorded {
			log.Debug("outcome already recorded")
			return nil
		}
		if fsm.IsTerminalOrderState(o.Status) {
			log.Info("late outcome for settled order", zap.String("order_status", o.Status))
			return nil
		}

		if !ok {
			if final, err = tx.TransitionOrder(ctx, id, fsm.OrderEventCancel); err != nil {
				return err
			}
			cancelled = true
			_, err = tx.EnqueueEvent(ctx, events.TopicOrders, id.String(), orderEvent(o, events.OrderCancelled))
			return err
		}

		event := fsm.OrderEventInventoryReserved
		if participant == db.ParticipantPayment {
			event = fsm.OrderEventPaymentCompleted
		}
		next, err := tx.TransitionOrder(ctx, id, event)
		if err != nil {
			return err
		}
		if fsm.IsTerminalOrderState(next) {
			final = next
		}
		return nil
	})
	if errors.Is(err, db.ErrOrderNotFound) {
		return bus.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("applying %s outcome: %w", participant, err)
	}

	if cancelled && c.notify != nil {
		c.notify.Notify()
	}
	if final != "" {
		c.metrics.SagaOutcomes.WithLabelValues(mode, final).Inc()
		log.Info("order settled", zap.String("order_status", final))
	}
	return nil
}

func orderEvent(o *db.Order, status events.OrderStatus) events.OrderEvent {
	return events.OrderEvent{
		OrderID:   o.ID,
		UserID:    o.UserID,
		ProductID: o.ProductID,
		Amount:    o.Amount,
		Status:    status,
	}
}
