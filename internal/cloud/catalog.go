package cloud

import (
	"fmt"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// MachineSpec is a provider's rendering of one tier.
type MachineSpec struct {
	MachineType string `toml:"machine_type"`
	Image       string `toml:"image"`
}

// Catalog maps tier names to machine specs for one provider.
type Catalog map[string]MachineSpec

// Lookup returns the machine spec for tier.
func (c Catalog) Lookup(tier ledger.TierSpec) (MachineSpec, error) {
	spec, ok := c[tier.Name]
	if !ok || spec.Image == "" {
		return MachineSpec{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier.Name)
	}
	return spec, nil
}

// Merge returns a copy of c with entries from override replacing matching
// tiers. Empty override fields keep the base value.
func (c Catalog) Merge(override Catalog) Catalog {
	out := make(Catalog, len(c))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range override {
		base := out[k]
		if v.MachineType != "" {
			base.MachineType = v.MachineType
		}
		if v.Image != "" {
			base.Image = v.Image
		}
		out[k] = base
	}
	return out
}

// Validate checks that every ledger tier has an entry.
func (c Catalog) Validate() error {
	for _, t := range ledger.TierSpecs() {
		if _, err := c.Lookup(t); err != nil {
			return err
		}
	}
	return nil
}

const defaultImage = "debian:bookworm-slim"

// DefaultCatalog returns the built-in catalogue for a provider name.
func DefaultCatalog(provider string) Catalog {
	out := make(Catalog, ledger.TierCount)
	for _, t := range ledger.TierSpecs() {
		spec := MachineSpec{Image: defaultImage}
		switch provider {
		case "kubernetes":
			spec.MachineType = fmt.Sprintf("compute-%dc-%dg", t.VCPU, t.MemoryGiB)
		default:
			spec.MachineType = t.Name
		}
		out[t.Name] = spec
	}
	return out
}
