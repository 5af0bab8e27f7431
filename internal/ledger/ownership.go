package ledger

import (
	"fmt"
	"sort"
)

// OwnershipRegistry maps entitlement ids to owners and keeps an enumerable
// per-owner index. It is not safe for concurrent use; the Ledger serialises
// access.
type OwnershipRegistry struct {
	owners  map[uint64]Address
	byOwner map[Address]map[uint64]struct{}
}

func NewOwnershipRegistry() *OwnershipRegistry {
	return &OwnershipRegistry{
		owners:  make(map[uint64]Address),
		byOwner: make(map[Address]map[uint64]struct{}),
	}
}

func (r *OwnershipRegistry) Assign(id uint64, owner Address) {
	if prev, ok := r.owners[id]; ok {
		r.unindex(id, prev)
	}
	r.owners[id] = owner
	set, ok := r.byOwner[owner]
	if !ok {
		set = make(map[uint64]struct{})
		r.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (r *OwnershipRegistry) OwnerOf(id uint64) (Address, bool) {
	owner, ok := r.owners[id]
	return owner, ok
}

// Transfer moves id from one owner to another. from must be the current owner.
func (r *OwnershipRegistry) Transfer(id uint64, from, to Address) error {
	current, ok := r.owners[id]
	if !ok {
		return ErrNotFound
	}
	if current != from {
		return fmt.Errorf("%w: %s does not own entitlement %d", ErrUnauthorized, from, id)
	}
	r.Assign(id, to)
	return nil
}

func (r *OwnershipRegistry) Remove(id uint64) {
	owner, ok := r.owners[id]
	if !ok {
		return
	}
	delete(r.owners, id)
	r.unindex(id, owner)
}

// IDsOf returns the ids owned by owner in ascending order.
func (r *OwnershipRegistry) IDsOf(owner Address) []uint64 {
	set := r.byOwner[owner]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *OwnershipRegistry) Len() int { return len(r.owners) }

func (r *OwnershipRegistry) unindex(id uint64, owner Address) {
	set := r.byOwner[owner]
	delete(set, id)
	if len(set) == 0 {
		delete(r.byOwner, owner)
	}
}
