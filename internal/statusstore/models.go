package statusstore

import "time"

// State is the off-chain fulfillment state of one entitlement.
type State string

const (
	StateInProgress     State = "in_progress"
	StateRunning        State = "running"
	StateFailed         State = "failed"
	StateError          State = "error"
	StateInconsistent   State = "inconsistent"
	StateUnknown        State = "unknown"
	StateRetryRequested State = "retry_requested"
	StateTerminated     State = "terminated"
	StateDestroyFailed  State = "destroy_failed"
)

// States lists every state in display order.
var States = []State{
	StateInProgress,
	StateRunning,
	StateFailed,
	StateError,
	StateInconsistent,
	StateUnknown,
	StateRetryRequested,
	StateTerminated,
	StateDestroyFailed,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Settled reports whether provisioning for the entry needs no further work.
// A settled entry is skipped when its Purchased event is replayed.
func (s State) Settled() bool {
	switch s {
	case StateRunning, StateTerminated, StateInconsistent, StateDestroyFailed:
		return true
	}
	return false
}

// Retryable reports whether an operator may flag the entry for another
// provisioning attempt.
func (s State) Retryable() bool {
	switch s {
	case StateFailed, StateError, StateUnknown, StateInconsistent:
		return true
	}
	return false
}

// Entry is the status record for one entitlement.
type Entry struct {
	EntitlementID  uint64     `json:"entitlement_id"`
	State          State      `json:"state"`
	Provider       string     `json:"provider"`
	Tier           string     `json:"tier"`
	Owner          string     `json:"owner"`
	InstanceID     string     `json:"instance_id,omitempty"`
	NetworkAddress string     `json:"network_address,omitempty"`
	AttemptID      string     `json:"attempt_id,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProvisionedAt  *time.Time `json:"provisioned_at,omitempty"`
}
