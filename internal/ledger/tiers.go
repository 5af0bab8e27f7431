package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Decimals is the fixed-point precision of the payment token.
	Decimals = 6
	// Unit is one whole stablecoin in token micro-units.
	Unit uint64 = 1_000_000

	// MonthSeconds is the average month length used for every duration unit.
	MonthSeconds int64 = 2_629_800
	// GracePeriodSeconds is how long after expiry a renewal is still accepted.
	GracePeriodSeconds int64 = 7 * 24 * 60 * 60

	MinDurationUnits = 1
	MaxDurationUnits = 12
)

// Tier is one of the five fixed compute classes.
type Tier uint8

const (
	TierStarter Tier = iota
	TierBasic
	TierStandard
	TierPerformance
	TierDedicated
)

// TierCount is the number of valid tiers; valid indexes are [0, TierCount).
const TierCount = 5

// TierSpec is the fixed price and capability of a tier.
type TierSpec struct {
	Tier         Tier   `json:"tier"`
	Name         string `json:"name"`
	MonthlyPrice uint64 `json:"monthlyPrice"`
	VCPU         int    `json:"vcpu"`
	MemoryGiB    int    `json:"memoryGiB"`
	DiskGiB      int    `json:"diskGiB"`
}

var tierSpecs = [TierCount]TierSpec{
	{Tier: TierStarter, Name: "starter", MonthlyPrice: 5 * Unit, VCPU: 1, MemoryGiB: 1, DiskGiB: 25},
	{Tier: TierBasic, Name: "basic", MonthlyPrice: 12 * Unit, VCPU: 1, MemoryGiB: 2, DiskGiB: 50},
	{Tier: TierStandard, Name: "standard", MonthlyPrice: 25 * Unit, VCPU: 2, MemoryGiB: 4, DiskGiB: 80},
	{Tier: TierPerformance, Name: "performance", MonthlyPrice: 50 * Unit, VCPU: 4, MemoryGiB: 8, DiskGiB: 160},
	{Tier: TierDedicated, Name: "dedicated", MonthlyPrice: 100 * Unit, VCPU: 8, MemoryGiB: 16, DiskGiB: 320},
}

func (t Tier) Valid() bool { return int(t) < TierCount }

// Spec returns the fixed specification for t.
func (t Tier) Spec() (TierSpec, error) {
	if !t.Valid() {
		return TierSpec{}, fmt.Errorf("%w: %d", ErrInvalidTier, t)
	}
	return tierSpecs[t], nil
}

func (t Tier) String() string {
	if !t.Valid() {
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
	return tierSpecs[t].Name
}

// ParseTier accepts either a tier name ("standard") or an index ("2").
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= TierCount {
			return 0, fmt.Errorf("%w: %d", ErrInvalidTier, n)
		}
		return Tier(n), nil
	}
	for _, spec := range tierSpecs {
		if spec.Name == s {
			return spec.Tier, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// TierSpecs returns a copy of the tier table in index order.
func TierSpecs() []TierSpec {
	out := make([]TierSpec, TierCount)
	copy(out, tierSpecs[:])
	return out
}

// ValidateDuration reports whether units is inside [MinDurationUnits, MaxDurationUnits].
func ValidateDuration(units int) error {
	if units < MinDurationUnits || units > MaxDurationUnits {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidDuration, units, MinDurationUnits, MaxDurationUnits)
	}
	return nil
}

// TotalCost returns price[tier] * units in token micro-units. Prices are whole
// micro-units and units is bounded, so the product is exact.
func TotalCost(tier Tier, units int) (uint64, error) {
	spec, err := tier.Spec()
	if err != nil {
		return 0, err
	}
	if err := ValidateDuration(units); err != nil {
		return 0, err
	}
	return spec.MonthlyPrice * uint64(units), nil
}

// DurationSeconds converts duration units into ledger seconds.
func DurationSeconds(units int) int64 {
	return int64(units) * MonthSeconds
}
