package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// SagaStateMachine validates orchestrator step transitions. One instance is shared
// by all sagas; the current step is supplied on every call.
type SagaStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewSagaStateMachine() *SagaStateMachine {
	ssm := &SagaStateMachine{}
	ssm.fsm = fsm.NewFSM(
		SagaStepStarted,
		fsm.Events{
			{Name: SagaEventBegin, Src: []string{SagaStepStarted}, Dst: SagaStepAwaitingInventory},
			{Name: SagaEventInventoryReserved, Src: []string{SagaStepAwaitingInventory}, Dst: SagaStepAwaitingPayment},
			{Name: SagaEventInventoryRejected, Src: []string{SagaStepAwaitingInventory}, Dst: SagaStepRejected},
			{Name: SagaEventInventoryFailed, Src: []string{SagaStepAwaitingInventory}, Dst: SagaStepCompensatingInventory},
			{Name: SagaEventPaymentCompleted, Src: []string{SagaStepAwaitingPayment}, Dst: SagaStepCompleted},
			{Name: SagaEventPaymentFailed, Src: []string{SagaStepAwaitingPayment}, Dst: SagaStepCompensatingInventory},
			{Name: SagaEventPaymentTimedOut, Src: []string{SagaStepAwaitingPayment}, Dst: SagaStepCompensatingPayment},
			{Name: SagaEventPaymentCompensated, Src: []string{SagaStepCompensatingPayment}, Dst: SagaStepCompensatingInventory},
			{Name: SagaEventInventoryCompensated, Src: []string{SagaStepCompensatingInventory}, Dst: SagaStepCancelled},
		},
		fsm.Callbacks{},
	)
	return ssm
}

func (ssm *SagaStateMachine) Transition(ctx context.Context, currentStep, event string) (string, error) {
	ssm.mu.Lock()
	defer ssm.mu.Unlock()
	ssm.fsm.SetState(currentStep)
	if err := ssm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return ssm.fsm.Current(), nil
}

func (ssm *SagaStateMachine) CanTransition(currentStep, event string) bool {
	ssm.mu.Lock()
	defer ssm.mu.Unlock()
	ssm.fsm.SetState(currentStep)
	return ssm.fsm.Can(event)
}

// IsTerminalSagaStep reports whether the saga instance can be archived.
func IsTerminalSagaStep(step string) bool {
	switch step {
	case SagaStepCompleted, SagaStepCancelled, SagaStepRejected:
		return true
	default:
		return false
	}
}

// OrderEventForSagaEvent returns the order transition that accompanies a saga
// transition, or "" when the order status does not change.
func OrderEventForSagaEvent(sagaEvent string) string {
	switch sagaEvent {
	case SagaEventInventoryReserved:
		return OrderEventInventoryReserved
	case SagaEventInventoryRejected:
		return OrderEventReject
	case SagaEventPaymentCompleted:
		return OrderEventPaymentCompleted
	case SagaEventInventoryCompensated:
		return OrderEventCancel
	default:
		return ""
	}
}
