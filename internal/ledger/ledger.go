package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Config wires a Ledger to its identities and payment token.
type Config struct {
	// Self is the ledger's own account; payments are captured with its allowance.
	Self Address
	// Treasury receives every captured payment.
	Treasury Address
	// Provisioner is the only identity allowed to write fulfillment results.
	Provisioner Address
	// Admin may pause and unpause the ledger.
	Admin Address
	Token PaymentToken
	Now   func() time.Time
}

// Ledger is the authoritative entitlement state machine. Every mutating
// operation runs as one atomic transaction under a single mutex, so
// operations are totally ordered; a rejected operation changes nothing.
type Ledger struct {
	self        Address
	treasury    Address
	provisioner Address
	admin       Address
	token       PaymentToken
	now         func() time.Time

	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*Entitlement
	owners  *OwnershipRegistry
	pause   PauseGate
	log     eventLog
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	var missing []string
	for name, a := range map[string]Address{
		"self":        cfg.Self,
		"treasury":    cfg.Treasury,
		"provisioner": cfg.Provisioner,
		"admin":       cfg.Admin,
	} {
		if a.IsZero() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("ledger config missing addresses: %s", strings.Join(missing, ", "))
	}
	if cfg.Token == nil {
		return nil, errors.New("ledger config missing payment token")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		self:        cfg.Self,
		treasury:    cfg.Treasury,
		provisioner: cfg.Provisioner,
		admin:       cfg.Admin,
		token:       cfg.Token,
		now:         cfg.Now,
		records:     make(map[uint64]*Entitlement),
		owners:      NewOwnershipRegistry(),
	}, nil
}

func (l *Ledger) Self() Address        { return l.self }
func (l *Ledger) Treasury() Address    { return l.treasury }
func (l *Ledger) Provisioner() Address { return l.provisioner }
func (l *Ledger) Admin() Address       { return l.admin }

// Purchase captures price[tier]*units from buyer and mints a new entitlement
// in Provisioning. If the payment fails nothing is created.
func (l *Ledger) Purchase(buyer Address, tier Tier, units int) (View, error) {
	return l.purchase(context.Background(), buyer, tier, units)
}

func (l *Ledger) purchase(ctx context.Context, buyer Address, tier Tier, units int) (View, error) {
	if _, err := ParseAddress(string(buyer)); err != nil {
		return View{}, err
	}
	ctx, err := enterTransaction(ctx, buyerKey(buyer))
	if err != nil {
		return View{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pause.Check(); err != nil {
		return View{}, err
	}
	cost, err := TotalCost(tier, units)
	if err != nil {
		return View{}, err
	}
	if err := l.token.TransferFrom(ctx, l.self, buyer, l.treasury, cost); err != nil {
		return View{}, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	now := l.now().Unix()
	l.nextID++
	e := &Entitlement{
		ID:            l.nextID,
		Owner:         buyer,
		Tier:          tier,
		PurchasedAt:   now,
		ExpiresAt:     now + DurationSeconds(units),
		DurationUnits: units,
		Status:        StatusProvisioning,
	}
	l.records[e.ID] = e
	l.owners.Assign(e.ID, buyer)
	l.log.append(Event{
		Kind:          EventPurchased,
		EntitlementID: e.ID,
		Timestamp:     now,
		Buyer:         buyer,
		Tier:          tier,
		DurationUnits: units,
		ExpiresAt:     e.ExpiresAt,
		Cost:          cost,
	})
	return viewAt(e, now), nil
}

// SetProvisioned records the instance identity and activates the
// entitlement. It is one-shot: any later call for the same id is rejected.
func (l *Ledger) SetProvisioned(caller Address, id uint64, instanceID, networkAddress string) error {
	return l.setProvisioned(context.Background(), caller, id, instanceID, networkAddress)
}

func (l *Ledger) setProvisioned(ctx context.Context, caller Address, id uint64, instanceID, networkAddress string) error {
	if _, err := enterTransaction(ctx, entitlementKey(id)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pause.Check(); err != nil {
		return err
	}
	if caller != l.provisioner {
		return fmt.Errorf("%w: only the provisioning identity may write instance details", ErrUnauthorized)
	}
	instanceID = strings.TrimSpace(instanceID)
	networkAddress = strings.TrimSpace(networkAddress)
	if instanceID == "" || networkAddress == "" {
		return ErrEmptyInstanceIdentity
	}
	e, err := l.record(id)
	if err != nil {
		return err
	}
	if e.EverProvisioned {
		return fmt.Errorf("%w: entitlement %d", ErrAlreadyProvisioned, id)
	}
	now := l.now().Unix()
	if now >= e.ExpiresAt {
		return fmt.Errorf("%w: entitlement %d expired at %d", ErrExpired, id, e.ExpiresAt)
	}
	if err := transition(e, triggerProvision); err != nil {
		return err
	}
	e.InstanceID = instanceID
	e.NetworkAddress = networkAddress
	e.ProvisionedAt = now
	e.EverProvisioned = true
	l.log.append(Event{
		Kind:           EventProvisioned,
		EntitlementID:  id,
		Timestamp:      now,
		InstanceID:     instanceID,
		NetworkAddress: networkAddress,
	})
	return nil
}

// Renew extends an entitlement by units months. Inside the grace window
// after expiry the new window starts now and a Suspended entitlement is
// reactivated; past the grace window renewal is rejected without payment.
func (l *Ledger) Renew(caller Address, id uint64, units int) (View, error) {
	return l.renew(context.Background(), caller, id, units)
}

func (l *Ledger) renew(ctx context.Context, caller Address, id uint64, units int) (View, error) {
	ctx, err := enterTransaction(ctx, entitlementKey(id))
	if err != nil {
		return View{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pause.Check(); err != nil {
		return View{}, err
	}
	e, err := l.record(id)
	if err != nil {
		return View{}, err
	}
	if caller != e.Owner {
		return View{}, fmt.Errorf("%w: only the owner may renew", ErrUnauthorized)
	}
	if e.Status == StatusTerminated {
		return View{}, fmt.Errorf("%w: entitlement %d terminated", ErrInvalidTransition, id)
	}
	cost, err := TotalCost(e.Tier, units)
	if err != nil {
		return View{}, err
	}
	now := l.now().Unix()
	if now >= e.ExpiresAt+GracePeriodSeconds {
		return View{}, fmt.Errorf("%w: entitlement %d expired at %d", ErrGracePeriodElapsed, id, e.ExpiresAt)
	}
	expired := now >= e.ExpiresAt
	reactivate := expired && e.Status == StatusSuspended
	if reactivate && !canTransition(e, triggerReactivate) {
		return View{}, fmt.Errorf("%w: cannot reactivate entitlement %d", ErrInvalidTransition, id)
	}
	if err := l.token.TransferFrom(ctx, l.self, caller, l.treasury, cost); err != nil {
		return View{}, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	old := e.ExpiresAt
	if expired {
		e.ExpiresAt = now + DurationSeconds(units)
	} else {
		e.ExpiresAt += DurationSeconds(units)
	}
	e.LastRenewalAt = now
	if reactivate {
		// Checked above; cannot fail.
		_ = transition(e, triggerReactivate)
		l.log.append(Event{Kind: EventReactivated, EntitlementID: id, Timestamp: now})
	}
	l.log.append(Event{
		Kind:          EventRenewed,
		EntitlementID: id,
		Timestamp:     now,
		OldExpiresAt:  old,
		NewExpiresAt:  e.ExpiresAt,
		Cost:          cost,
	})
	return viewAt(e, now), nil
}

// Suspend moves an Active entitlement to Suspended. The owner or the
// provisioning identity may suspend.
func (l *Ledger) Suspend(caller Address, id uint64) error {
	return l.mutate(context.Background(), id, func(e *Entitlement, now int64) error {
		if caller != e.Owner && caller != l.provisioner {
			return fmt.Errorf("%w: only the owner or provisioning identity may suspend", ErrUnauthorized)
		}
		if err := transition(e, triggerSuspend); err != nil {
			return err
		}
		l.log.append(Event{Kind: EventSuspended, EntitlementID: id, Timestamp: now})
		return nil
	})
}

// Reactivate returns a Suspended, unexpired entitlement to Active. Owner only.
func (l *Ledger) Reactivate(caller Address, id uint64) error {
	return l.mutate(context.Background(), id, func(e *Entitlement, now int64) error {
		if caller != e.Owner {
			return fmt.Errorf("%w: only the owner may reactivate", ErrUnauthorized)
		}
		if now >= e.ExpiresAt {
			return fmt.Errorf("%w: renew entitlement %d instead", ErrExpired, id)
		}
		if err := transition(e, triggerReactivate); err != nil {
			return err
		}
		l.log.append(Event{Kind: EventReactivated, EntitlementID: id, Timestamp: now})
		return nil
	})
}

// Terminate ends an entitlement irreversibly and deletes its record. The id
// is never reused.
func (l *Ledger) Terminate(caller Address, id uint64) error {
	return l.mutate(context.Background(), id, func(e *Entitlement, now int64) error {
		if caller != e.Owner {
			return fmt.Errorf("%w: only the owner may terminate", ErrUnauthorized)
		}
		if err := transition(e, triggerTerminate); err != nil {
			return err
		}
		l.log.append(Event{Kind: EventTerminated, EntitlementID: id, Timestamp: now, By: caller})
		delete(l.records, id)
		l.owners.Remove(id)
		return nil
	})
}

// UpdateNetworkAddress replaces the recorded address after a migration.
// Provisioning identity only.
func (l *Ledger) UpdateNetworkAddress(caller Address, id uint64, networkAddress string) error {
	return l.updateNetworkAddress(context.Background(), caller, id, networkAddress)
}

func (l *Ledger) updateNetworkAddress(ctx context.Context, caller Address, id uint64, networkAddress string) error {
	networkAddress = strings.TrimSpace(networkAddress)
	return l.mutate(ctx, id, func(e *Entitlement, now int64) error {
		if caller != l.provisioner {
			return fmt.Errorf("%w: only the provisioning identity may update the network address", ErrUnauthorized)
		}
		if e.Status == StatusTerminated {
			return fmt.Errorf("%w: entitlement %d terminated", ErrInvalidTransition, id)
		}
		if !e.EverProvisioned {
			return fmt.Errorf("%w: entitlement %d", ErrNotProvisioned, id)
		}
		if networkAddress == "" {
			return ErrEmptyInstanceIdentity
		}
		old := e.NetworkAddress
		e.NetworkAddress = networkAddress
		l.log.append(Event{
			Kind:              EventNetworkAddressUpdated,
			EntitlementID:     id,
			Timestamp:         now,
			InstanceID:        e.InstanceID,
			NetworkAddress:    networkAddress,
			OldNetworkAddress: old,
		})
		return nil
	})
}

// Transfer hands ownership to another address. Fulfillment status is not
// affected.
func (l *Ledger) Transfer(caller Address, id uint64, to Address) error {
	if _, err := ParseAddress(string(to)); err != nil {
		return err
	}
	return l.mutate(context.Background(), id, func(e *Entitlement, now int64) error {
		if caller != e.Owner {
			return fmt.Errorf("%w: only the owner may transfer", ErrUnauthorized)
		}
		if err := l.owners.Transfer(id, caller, to); err != nil {
			return err
		}
		e.Owner = to
		l.log.append(Event{Kind: EventTransferred, EntitlementID: id, Timestamp: now, From: caller, To: to})
		return nil
	})
}

// Pause blocks all mutating operations. Admin only.
func (l *Ledger) Pause(caller Address) error { return l.setPaused(caller, true) }

// Unpause lifts a previous Pause. Admin only.
func (l *Ledger) Unpause(caller Address) error { return l.setPaused(caller, false) }

func (l *Ledger) setPaused(caller Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return fmt.Errorf("%w: only the admin may change the pause gate", ErrUnauthorized)
	}
	l.pause.set(paused)
	return nil
}

func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pause.Paused()
}

// Entitlement returns the current state of id.
func (l *Ledger) Entitlement(id uint64) (View, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.record(id)
	if err != nil {
		return View{}, err
	}
	return viewAt(e, l.now().Unix()), nil
}

// ListByOwner returns the ids currently owned by owner, ascending.
func (l *Ledger) ListByOwner(owner Address) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners.IDsOf(owner)
}

// EventsSince returns up to limit events with Seq > after, in order.
// A limit <= 0 returns everything.
func (l *Ledger) EventsSince(after uint64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.since(after, limit)
}

// LatestSeq returns the sequence number of the newest event, 0 if none.
func (l *Ledger) LatestSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.log.events))
}

// Watch returns a channel that receives a signal after new events are
// appended, and a function that stops the watch. Signals coalesce.
func (l *Ledger) Watch() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ch := l.log.watch()
	return ch, func() {
		l.mu.Lock()
		l.log.unwatch(id)
		l.mu.Unlock()
	}
}

// mutate runs fn as a guarded, pause-checked transaction on an existing record.
func (l *Ledger) mutate(ctx context.Context, id uint64, fn func(e *Entitlement, now int64) error) error {
	if _, err := enterTransaction(ctx, entitlementKey(id)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pause.Check(); err != nil {
		return err
	}
	e, err := l.record(id)
	if err != nil {
		return err
	}
	return fn(e, l.now().Unix())
}

func (l *Ledger) record(id uint64) (*Entitlement, error) {
	e, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, nil
}
