package fsm

import (
	"sync"

	"github.com/looplab/fsm"
)

// ReservationStateMachine tracks a participant's per-order record: an inventory
// consumption or a payment transaction. A released record never returns to held,
// which is what makes late forward actions after a compensation fail.
type ReservationStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewReservationStateMachine() *ReservationStateMachine {
	rsm := &ReservationStateMachine{}
	rsm.fsm = fsm.NewFSM(
		ReservationStateNone,
		fsm.Events{
			{Name: ReservationEventHold, Src: []string{ReservationStateNone}, Dst: ReservationStateHeld},
			{Name: ReservationEventRelease, Src: []string{ReservationStateNone, ReservationStateHeld}, Dst: ReservationStateReleased},
		},
		fsm.Callbacks{},
	)
	return rsm
}

func (rsm *ReservationStateMachine) CanHold(state string) bool {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()
	rsm.fsm.SetState(rsm.normalize(state))
	return rsm.fsm.Can(ReservationEventHold)
}

func (rsm *ReservationStateMachine) CanRelease(state string) bool {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()
	rsm.fsm.SetState(rsm.normalize(state))
	return rsm.fsm.Can(ReservationEventRelease)
}

func (rsm *ReservationStateMachine) normalize(state string) string {
	switch state {
	case ReservationStateHeld, ReservationStateReleased:
		return state
	default:
		return ReservationStateNone
	}
}
