package ledger

import (
	"fmt"
	"strings"
)

// Status is the stored lifecycle state of an entitlement. Expiry is derived
// from timestamps and never stored.
type Status uint8

const (
	StatusProvisioning Status = iota
	StatusActive
	StatusSuspended
	StatusTerminated
)

var statusNames = [...]string{"provisioning", "active", "suspended", "terminated"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range statusNames {
		if name == v {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", v)
}

// Entitlement is the ledger record for one purchased compute window.
// Timestamps are unix seconds.
type Entitlement struct {
	ID              uint64  `json:"id"`
	Owner           Address `json:"owner"`
	Tier            Tier    `json:"tier"`
	PurchasedAt     int64   `json:"purchasedAt"`
	ExpiresAt       int64   `json:"expiresAt"`
	DurationUnits   int     `json:"durationUnits"`
	Status          Status  `json:"status"`
	InstanceID      string  `json:"instanceId"`
	NetworkAddress  string  `json:"networkAddress"`
	ProvisionedAt   int64   `json:"provisionedAt"`
	LastRenewalAt   int64   `json:"lastRenewalAt"`
	EverProvisioned bool    `json:"everProvisioned"`
}

// View is a point-in-time copy of an entitlement with the derived flags.
type View struct {
	Entitlement
	Expired bool `json:"expired"`
	Active  bool `json:"active"`
}

func viewAt(e *Entitlement, now int64) View {
	expired := now >= e.ExpiresAt
	return View{
		Entitlement: *e,
		Expired:     expired,
		Active:      e.Status == StatusActive && !expired,
	}
}
