// Package cloud defines the capability contract the reconciler needs from a
// compute provider, plus the pieces shared by every provider: the tier
// catalogue, instance labels and the hardening bootstrap script.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already exists")
	ErrUnknownTier      = errors.New("tier not in provider catalogue")
)

// ExistsError reports that an instance with the requested name is already
// present. InstanceID names the existing instance.
type ExistsError struct {
	Name       string
	InstanceID string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("instance %q already exists (%s)", e.Name, e.InstanceID)
}

func (e *ExistsError) Is(target error) bool { return target == ErrInstanceExists }

// CreateRequest describes one instance to create.
type CreateRequest struct {
	// Name is deterministic per entitlement, see InstanceName.
	Name string
	Tier ledger.TierSpec
	// SSHPublicKey is an authorized_keys line installed by the bootstrap script.
	SSHPublicKey string
	Labels       map[string]string
}

// Instance is the provider's view of a created instance. An empty
// NetworkAddress means the address is still pending.
type Instance struct {
	ID             string
	NetworkAddress string
}

func (i Instance) Pending() bool { return i.NetworkAddress == "" }

// Provider is implemented by every compute backend. All calls block on the
// network and must honour ctx.
type Provider interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	Describe(ctx context.Context, instanceID string) (Instance, error)
	Destroy(ctx context.Context, instanceID string) error
}

// InstanceName is the provider-side name for an entitlement's instance.
func InstanceName(entitlementID uint64) string {
	return "compute-ent-" + strconv.FormatUint(entitlementID, 10)
}
