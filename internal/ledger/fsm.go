package ledger

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerProvision  trigger = "provision"
	triggerSuspend    trigger = "suspend"
	triggerReactivate trigger = "reactivate"
	triggerTerminate  trigger = "terminate"
)

// lifecycle binds the status state machine to a single record.
//
//	Provisioning -> Active <-> Suspended
//	Provisioning, Active, Suspended -> Terminated (absorbing)
func lifecycle(e *Entitlement) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return e.Status, nil },
		func(_ context.Context, s stateless.State) error {
			e.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusProvisioning).
		Permit(triggerProvision, StatusActive).
		Permit(triggerTerminate, StatusTerminated)

	sm.Configure(StatusActive).
		Permit(triggerSuspend, StatusSuspended).
		Permit(triggerTerminate, StatusTerminated)

	sm.Configure(StatusSuspended).
		Permit(triggerReactivate, StatusActive).
		Permit(triggerTerminate, StatusTerminated)

	sm.Configure(StatusTerminated)

	return sm
}

// canTransition reports whether t is permitted from e's current status
// without changing it.
func canTransition(e *Entitlement, t trigger) bool {
	ok, err := lifecycle(e).CanFire(t)
	return err == nil && ok
}

func transition(e *Entitlement, t trigger) error {
	from := e.Status
	if !canTransition(e, t) {
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, t, from)
	}
	if err := lifecycle(e).Fire(t); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, t, from, err)
	}
	return nil
}
