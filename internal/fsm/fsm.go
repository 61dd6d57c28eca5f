package fsm

const (
	OrderStateCreated           = "CREATED"
	OrderStateInventoryReserved = "INVENTORY_RESERVED"
	OrderStatePaymentCompleted  = "PAYMENT_COMPLETED"
	OrderStateConfirmed         = "CONFIRMED"
	OrderStateCancelled         = "CANCELLED"
	OrderStateRejected          = "REJECTED"
)

const (
	OrderEventInventoryReserved = "inventory_reserved"
	OrderEventPaymentCompleted  = "payment_completed"
	OrderEventCancel            = "cancel"
	OrderEventReject            = "reject"
)

const (
	SagaStepStarted               = "STARTED"
	SagaStepAwaitingInventory     = "AWAITING_INVENTORY"
	SagaStepAwaitingPayment       = "AWAITING_PAYMENT"
	SagaStepCompensatingPayment   = "COMPENSATING_PAYMENT"
	SagaStepCompensatingInventory = "COMPENSATING_INVENTORY"
	SagaStepCompleted             = "COMPLETED"
	SagaStepCancelled             = "CANCELLED"
	SagaStepRejected              = "REJECTED"
)

const (
	SagaEventBegin                = "begin"
	SagaEventInventoryReserved    = "inventory_reserved"
	SagaEventInventoryRejected    = "inventory_rejected"
	SagaEventInventoryFailed      = "inventory_failed"
	SagaEventPaymentCompleted     = "payment_completed"
	SagaEventPaymentFailed        = "payment_failed"
	SagaEventPaymentTimedOut      = "payment_timed_out"
	SagaEventPaymentCompensated   = "payment_compensated"
	SagaEventInventoryCompensated = "inventory_compensated"
)

const (
	ReservationStateNone     = "none"
	ReservationStateHeld     = "held"
	ReservationStateReleased = "released"
)

const (
	ReservationEventHold    = "hold"
	ReservationEventRelease = "release"
)

// IsTerminalOrderState reports whether no further order transition is possible.
func IsTerminalOrderState(state string) bool {
	switch state {
	case OrderStateConfirmed, OrderStateCancelled, OrderStateRejected:
		return true
	default:
		return false
	}
}
