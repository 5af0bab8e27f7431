package cloud

import "strconv"

const (
	LabelManaged       = "pulse-compute.io/managed"
	LabelEntitlementID = "pulse-compute.io/entitlement-id"
	LabelTier          = "pulse-compute.io/tier"
	LabelOwner         = "pulse-compute.io/owner"
)

// Labels returns the metadata attached to every instance. Values are valid
// Kubernetes label values (base58 owners are alphanumeric and at most 44
// characters).
func Labels(entitlementID uint64, tier, owner string) map[string]string {
	return map[string]string{
		LabelManaged:       "true",
		LabelEntitlementID: strconv.FormatUint(entitlementID, 10),
		LabelTier:          tier,
		LabelOwner:         owner,
	}
}
