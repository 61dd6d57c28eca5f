package fsm

import (
	"context"
	"slices"
	"sync"

	"github.com/looplab/fsm"
)

type OrderStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewOrderStateMachine() *OrderStateMachine {
	osm := &OrderStateMachine{}
	osm.fsm = fsm.NewFSM(
		OrderStateCreated,
		fsm.Events{
			{Name: OrderEventInventoryReserved, Src: []string{OrderStateCreated}, Dst: OrderStateInventoryReserved},
			{Name: OrderEventInventoryReserved, Src: []string{OrderStatePaymentCompleted}, Dst: OrderStateConfirmed},
			{Name: OrderEventPaymentCompleted, Src: []string{OrderStateCreated}, Dst: OrderStatePaymentCompleted},
			{Name: OrderEventPaymentCompleted, Src: []string{OrderStateInventoryReserved}, Dst: OrderStateConfirmed},
			{Name: OrderEventCancel, Src: []string{OrderStateCreated, OrderStateInventoryReserved, OrderStatePaymentCompleted}, Dst: OrderStateCancelled},
			{Name: OrderEventReject, Src: []string{OrderStateCreated}, Dst: OrderStateRejected},
		},
		fsm.Callbacks{},
	)
	return osm
}

func (osm *OrderStateMachine) CanTransition(currentState, event string) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	return osm.fsm.Can(event)
}

func (osm *OrderStateMachine) Transition(ctx context.Context, currentState, event string) (string, error) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	if err := osm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return osm.fsm.Current(), nil
}

// AvailableEvents lists the events accepted in currentState, sorted.
func (osm *OrderStateMachine) AvailableEvents(currentState string) []string {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	events := osm.fsm.AvailableTransitions()
	slices.Sort(events)
	return events
}
