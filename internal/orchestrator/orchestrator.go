// Package orchestrator drives each order's saga from a central coordinator:
// inventory first, then payment, compensating in reverse on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/buildtall-systems/ordersaga/internal/queue"
	"github.com/buildtall-systems/ordersaga/internal/resilience"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const mode = "orchestration"

// Outcomes recorded on the saga instance.
const (
	outcomeReserved    = "RESERVED"
	outcomeRejected    = "REJECTED"
	outcomeCompleted   = "COMPLETED"
	outcomeFailed      = "FAILED"
	outcomeTimeout     = "TIMEOUT"
	outcomeError       = "ERROR"
	outcomeReleased    = "RELEASED"
	outcomeRefunded    = "REFUNDED"
	outcomeNothingHeld = "NOTHING_HELD"
)

// InventoryClient issues inventory commands.
type InventoryClient interface {
	Reserve(ctx context.Context, ev events.OrderEvent) (events.InventoryEvent, error)
	Release(ctx context.Context, ev events.OrderEvent) (bool, error)
}

// PaymentClient issues payment commands.
type PaymentClient interface {
	Debit(ctx context.Context, ev events.OrderEvent) (events.PaymentEvent, error)
	Credit(ctx context.Context, ev events.OrderEvent) (bool, error)
}

type Options struct {
	Concurrency int
	// Inventory and Payment bound every forward command. Their timeout is the
	// saga command timeout.
	Inventory resilience.Policy
	Payment   resilience.Policy
	// RetryBackoff and RetryMaxWait pace retries of a failed compensation and
	// of a saga execution interrupted by a store error. Both are retried until
	// they succeed or the context ends.
	RetryBackoff time.Duration
	RetryMaxWait time.Duration
}

type Orchestrator struct {
	store     *db.DB
	inventory InventoryClient
	payment   PaymentClient
	invCaller *resilience.Caller
	payCaller *resilience.Caller
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	inbox    *queue.Unbounded[uuid.UUID]
	inflight *xsync.MapOf[uuid.UUID, struct{}]
}

func New(store *db.DB, inv InventoryClient, pay PaymentClient, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Inventory == (resilience.Policy{}) {
		opts.Inventory = resilience.DefaultPolicy()
	}
	if opts.Payment == (resilience.Policy{}) {
		opts.Payment = resilience.DefaultPolicy()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 10 * time.Second
	}

	return &Orchestrator{
		store:     store,
		inventory: inv,
		payment:   pay,
		invCaller: resilience.NewCaller("inventory", opts.Inventory, logger),
		payCaller: resilience.NewCaller("payment", opts.Payment, logger),
		opts:      opts,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("ordersaga/orchestrator"),
		inbox:     queue.NewUnbounded[uuid.UUID](),
		inflight:  xsync.NewMapOf[uuid.UUID, struct{}](),
	}
}

// Prepare creates the saga instance in the placement transaction.
func (o *Orchestrator) Prepare(ctx context.Context, tx *db.Tx, order *db.Order) error {
	return tx.InsertSaga(ctx, order.ID)
}

// Started queues the saga for execution.
func (o *Orchestrator) Started(_ context.Context, order *db.Order) {
	o.Submit(order.ID)
}

// Submit queues a saga. It never blocks the caller.
func (o *Orchestrator) Submit(id uuid.UUID) {
	if !o.inbox.Push(id) {
		o.logger.Warn("orchestrator stopped, saga left for recovery", zap.Stringer("order_id", id))
	}
}

// Recover queues every saga that has not reached a terminal step, including
// those interrupted mid-compensation.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sagas, err := o.store.ListActiveSagas(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active sagas: %w", err)
	}
	for _, s := range sagas {
		o.logger.Info("recovering saga", zap.Stringer("order_id", s.OrderID), zap.String("step", s.Step))
		o.Submit(s.OrderID)
	}
	return len(sagas), nil
}

// Run recovers pending sagas, then consumes the queue until ctx is done. At
// most Concurrency sagas execute at once and a given order never runs twice
// concurrently.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Recover(ctx); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	defer func() {
		o.inbox.Close()
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-o.inbox.Out():
			if !ok {
				return nil
			}
			if _, running := o.inflight.LoadOrStore(id, struct{}{}); running {
				continue
			}
			g.Go(func() error {
				defer o.inflight.Delete(id)
				if err := o.drive(ctx, id); err != nil && ctx.Err() == nil {
					o.logger.Error("saga execution stopped", zap.Stringer("order_id", id), zap.Error(err))
				}
				return nil
			})
		}
	}
}

// drive runs Execute until the saga is terminal. Execution resumes from the
// persisted step, so a retry after a failed write repeats only the commands of
// that step, and both participants treat a repeated command as a no-op.
func (o *Orchestrator) drive(ctx context.Context, id uuid.UUID) error {
	attempt := 0
	return retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		attempt++
		err := o.Execute(ctx, id)
		switch {
		case err == nil, ctx.Err() != nil:
			return err
		case errors.Is(err, db.ErrSagaNotFound),
			errors.Is(err, db.ErrOrderNotFound),
			errors.Is(err, db.ErrInvalidStateTransition):
			return err
		}
		o.logger.Warn("saga execution failed, retrying",
			zap.Stringer("order_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return retry.RetryableError(err)
	})
}

// Execute drives one saga from its persisted step to a terminal step.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) error {
	saga, err := o.store.GetSaga(ctx, id)
	if err != nil {
		return err
	}
	if fsm.IsTerminalSagaStep(saga.Step) {
		return nil
	}
	order, err := o.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.saga", trace.WithAttributes(attribute.String("order.id", id.String())))
	defer span.End()

	ev := events.OrderEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		ProductID: order.ProductID,
		Amount:    order.Amount,
		Status:    events.OrderCreated,
	}

	step := saga.Step
	for !fsm.IsTerminalSagaStep(step) {
		next, err := o.step(ctx, step, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("saga step %s: %w", step, err)
		}
		step = next
	}

	final, _ := o.store.GetOrder(ctx, id)
	if final != nil {
		o.metrics.SagaOutcomes.WithLabelValues(mode, final.Status).Inc()
		o.logger.Info("saga finished", zap.Stringer("order_id", id), zap.String("step", step), zap.String("order_status", final.Status))
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, step string, ev events.OrderEvent) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(attribute.String("saga.step", step)))
	defer span.End()
	start := time.Now()
	defer func() {
		o.metrics.SagaStepDuration.WithLabelValues(step).Observe(float64(time.Since(start).Milliseconds()))
	}()

	log := o.logger.With(zap.Stringer("order_id", ev.OrderID), zap.String("step", step))

	switch step {
	case fsm.SagaStepStarted:
		return o.advance(ctx, ev.OrderID, fsm.SagaEventBegin, "")

	case fsm.SagaStepAwaitingInventory:
		var res events.InventoryEvent
		err := o.invCaller.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = o.inventory.Reserve(ctx, ev)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn("inventory command failed", zap.Error(err))
			return o.advance(ctx, ev.OrderID, fsm.SagaEventInventoryFailed, failureOutcome(err))
		}
		if res.Status == events.InventoryReserved {
			return o.advance(ctx, ev.OrderID, fsm.SagaEventInventoryReserved, outcomeReserved)
		}
		return o.advance(ctx, ev.OrderID, fsm.SagaEventInventoryRejected, outcomeRejected)

	case fsm.SagaStepAwaitingPayment:
		var res events.PaymentEvent
		err := o.payCaller.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = o.payment.Debit(ctx, ev)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// The debit may have landed; refund before releasing stock.
			log.Warn("payment command failed", zap.Error(err))
			return o.advance(ctx, ev.OrderID, fsm.SagaEventPaymentTimedOut, failureOutcome(err))
		}
		if res.Status == events.PaymentCompleted {
			return o.advance(ctx, ev.OrderID, fsm.SagaEventPaymentCompleted, outcomeCompleted)
		}
		return o.advance(ctx, ev.OrderID, fsm.SagaEventPaymentFailed, outcomeFailed)

	case fsm.SagaStepCompensatingPayment:
		var refunded bool
		err := o.compensate(ctx, o.payCaller, func(ctx context.Context) error {
			var err error
			refunded, err = o.payment.Credit(ctx, ev)
			return err
		})
		if err != nil {
			return "", err
		}
		outcome := outcomeNothingHeld
		if refunded {
			outcome = outcomeRefunded
		}
		return o.advance(ctx, ev.OrderID, fsm.SagaEventPaymentCompensated, outcome)

	case fsm.SagaStepCompensatingInventory:
		var released bool
		err := o.compensate(ctx, o.invCaller, func(ctx context.Context) error {
			var err error
			released, err = o.inventory.Release(ctx, ev)
			return err
		})
		if err != nil {
			return "", err
		}
		outcome := outcomeNothingHeld
		if released {
			outcome = outcomeReleased
		}
		return o.advance(ctx, ev.OrderID, fsm.SagaEventInventoryCompensated, outcome)
	}

	return "", fmt.Errorf("%w: unknown saga step %q", db.ErrInvalidStateTransition, step)
}

func (o *Orchestrator) advance(ctx context.Context, id uuid.UUID, event, outcome string) (string, error) {
	next, err := o.store.AdvanceSaga(ctx, id, event, outcome)
	if err != nil {
		return "", err
	}
	o.logger.Debug("saga advanced",
		zap.Stringer("order_id", id),
		zap.String("event", event),
		zap.String("step", next))
	return next, nil
}

// compensate retries fn through caller until it succeeds. Only ctx ending stops it.
func (o *Orchestrator) compensate(ctx context.Context, caller *resilience.Caller, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		if err := caller.Do(ctx, fn); err != nil {
			o.logger.Warn("compensation failed, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (o *Orchestrator) backoff() retry.Backoff {
	return retry.WithCappedDuration(o.opts.RetryMaxWait, retry.NewExponential(o.opts.RetryBackoff))
}

func failureOutcome(err error) string {
	if errors.Is(err, resilience.ErrTimeout) {
		return outcomeTimeout
	}
	return outcomeError
}
