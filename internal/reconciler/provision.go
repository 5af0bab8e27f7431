package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/credentials"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/sshkeys"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/rs/zerolog/log"
)

// errNoAddress marks an instance that never reported a routable address.
var errNoAddress = errors.New("instance has no network address")

// Provision brings entitlement id to a running instance whose identity is
// recorded in the ledger. It is idempotent: replays for an entitlement whose
// outcome is already settled do nothing.
//
// Recorded failures return nil. An error is returned only when the work was
// interrupted or could not be recorded, and the caller should try again.
func (r *Reconciler) Provision(ctx context.Context, id uint64) error {
	unlock, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return r.provisionLocked(ctx, id)
}

func (r *Reconciler) provisionLocked(ctx context.Context, id uint64) error {
	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry != nil && entry.State.Settled() {
		log.Debug().
			Uint64("entitlement_id", id).
			Str("state", string(entry.State)).
			Msg("Entitlement already settled, skipping")
		r.metrics.Provisioning("skipped")
		return nil
	}

	view, err := r.ledger.Entitlement(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		log.Info().Uint64("entitlement_id", id).Msg("Entitlement no longer on the ledger, releasing")
		return r.terminateLocked(ctx, id, entry)
	case err != nil:
		return fmt.Errorf("query entitlement %d: %w", id, err)
	}

	if view.EverProvisioned {
		return r.adopt(ctx, view, entry)
	}
	if view.Status != ledger.StatusProvisioning {
		return r.fail(ctx, id, statusstore.StateError, fmt.Sprintf("entitlement is %s without an instance", view.Status), "error")
	}
	if view.Expired {
		return r.fail(ctx, id, statusstore.StateFailed, "entitlement expired before provisioning", "failed")
	}

	spec, err := view.Tier.Spec()
	if err != nil {
		return r.fail(ctx, id, statusstore.StateError, err.Error(), "error")
	}

	previousInstance := ""
	if entry != nil {
		previousInstance = entry.InstanceID
	}
	attemptID, err := r.store.BeginAttempt(ctx, &statusstore.Entry{
		EntitlementID: id,
		Provider:      r.provider.Name(),
		Tier:          spec.Name,
		Owner:         view.Owner.String(),
	})
	if err != nil {
		return err
	}
	logger := log.With().
		Uint64("entitlement_id", id).
		Str("attempt_id", attemptID).
		Str("provider", r.provider.Name()).
		Str("tier", spec.Name).
		Logger()
	logger.Info().Msg("Provisioning entitlement")

	inst, err := r.ensureInstance(ctx, view, spec, previousInstance)
	if err != nil {
		if interrupted(ctx, err) {
			r.metrics.Provisioning("interrupted")
			return err
		}
		logger.Error().Err(err).Msg("Failed to create instance")
		return r.fail(ctx, id, statusstore.StateError, err.Error(), "error")
	}
	logger = logger.With().Str("instance_id", inst.ID).Logger()

	address, err := r.waitForAddress(ctx, inst)
	if err != nil {
		if interrupted(ctx, err) {
			r.metrics.Provisioning("interrupted")
			return err
		}
		state := statusstore.StateError
		outcome := "error"
		if errors.Is(err, errNoAddress) {
			state, outcome = statusstore.StateFailed, "failed"
		}
		logger.Error().Err(err).Msg("Instance did not become reachable")
		return r.fail(ctx, id, state, err.Error(), outcome)
	}
	if err := r.store.RecordInstance(ctx, id, inst.ID, address); err != nil {
		return err
	}
	logger = logger.With().Str("network_address", address).Logger()

	return r.writeBack(ctx, logger, id, inst.ID, address)
}

// adopt reconciles a local record with a ledger entitlement that already
// carries an instance identity, for instance after the store update that
// followed a successful write-back was lost.
func (r *Reconciler) adopt(ctx context.Context, view ledger.View, entry *statusstore.Entry) error {
	id := view.ID
	if entry != nil && entry.InstanceID != "" && entry.InstanceID != view.InstanceID {
		msg := fmt.Sprintf("ledger records instance %s at %s, local attempt created %s",
			view.InstanceID, view.NetworkAddress, entry.InstanceID)
		log.Warn().
			Uint64("entitlement_id", id).
			Str("instance_id", entry.InstanceID).
			Str("ledger_instance_id", view.InstanceID).
			Msg("Ledger and local instance disagree")
		return r.fail(ctx, id, statusstore.StateInconsistent, msg, "inconsistent")
	}

	tierName := view.Tier.String()
	if entry == nil {
		entry = &statusstore.Entry{EntitlementID: id}
	}
	entry.State = statusstore.StateRunning
	entry.Provider = r.provider.Name()
	entry.Tier = tierName
	entry.Owner = view.Owner.String()
	entry.InstanceID = view.InstanceID
	entry.NetworkAddress = view.NetworkAddress
	entry.LastError = ""
	if entry.ProvisionedAt == nil && view.ProvisionedAt > 0 {
		t := time.Unix(view.ProvisionedAt, 0).UTC()
		entry.ProvisionedAt = &t
	}
	if err := r.store.Put(ctx, entry); err != nil {
		return err
	}
	log.Info().
		Uint64("entitlement_id", id).
		Str("instance_id", view.InstanceID).
		Str("network_address", view.NetworkAddress).
		Msg("Adopted instance recorded on the ledger")
	r.metrics.Provisioning("adopted")
	return nil
}

// ensureInstance returns the instance for this entitlement, reusing the one
// recorded by an earlier attempt if it still exists. A new instance always
// gets a new key pair.
func (r *Reconciler) ensureInstance(ctx context.Context, view ledger.View, spec ledger.TierSpec, previous string) (cloud.Instance, error) {
	if previous != "" {
		inst, err := r.describe(ctx, previous)
		switch {
		case err == nil:
			log.Info().
				Uint64("entitlement_id", view.ID).
				Str("instance_id", inst.ID).
				Msg("Reusing instance from earlier attempt")
			return inst, nil
		case !errors.Is(err, cloud.ErrInstanceNotFound):
			return cloud.Instance{}, fmt.Errorf("describe previous instance %s: %w", previous, err)
		}
	}

	name := cloud.InstanceName(view.ID)
	keys, err := sshkeys.Generate(name)
	if err != nil {
		return cloud.Instance{}, err
	}
	if err := r.vault.Put(credentials.Credential{
		EntitlementID: view.ID,
		AuthorizedKey: keys.AuthorizedKey,
		Fingerprint:   keys.Fingerprint,
		PrivateKeyPEM: keys.PrivateKeyPEM,
		CreatedAt:     r.now().UTC(),
	}); err != nil {
		return cloud.Instance{}, err
	}

	req := cloud.CreateRequest{
		Name:         name,
		Tier:         spec,
		SSHPublicKey: keys.AuthorizedKey,
		Labels:       cloud.Labels(view.ID, spec.Name, view.Owner.String()),
	}
	inst, err := r.create(ctx, req)
	var exists *cloud.ExistsError
	if errors.As(err, &exists) {
		// The orphan carries a key pair we no longer hold.
		log.Warn().
			Uint64("entitlement_id", view.ID).
			Str("instance_id", exists.InstanceID).
			Msg("Destroying orphaned instance before recreating")
		if derr := r.destroy(ctx, exists.InstanceID); derr != nil && !errors.Is(derr, cloud.ErrInstanceNotFound) {
			return cloud.Instance{}, fmt.Errorf("destroy orphaned instance %s: %w", exists.InstanceID, derr)
		}
		inst, err = r.create(ctx, req)
	}
	if err != nil {
		return cloud.Instance{}, err
	}

	if err := r.vault.SetInstance(view.ID, inst.ID); err != nil {
		log.Warn().Err(err).Uint64("entitlement_id", view.ID).Msg("Failed to bind credential to instance")
	}
	// Record the instance even if ctx was cancelled meanwhile, so a later
	// attempt reuses it instead of leaking it.
	recordCtx, cancel := detached(ctx)
	defer cancel()
	if err := r.store.RecordInstance(recordCtx, view.ID, inst.ID, inst.NetworkAddress); err != nil {
		return cloud.Instance{}, err
	}
	log.Info().
		Uint64("entitlement_id", view.ID).
		Str("instance_id", inst.ID).
		Str("fingerprint", keys.Fingerprint).
		Msg("Instance created")
	return inst, nil
}

// waitForAddress polls until the instance reports a routable address, at
// most PollAttempts times PollInterval apart.
func (r *Reconciler) waitForAddress(ctx context.Context, inst cloud.Instance) (string, error) {
	if !inst.Pending() {
		r.metrics.AddressPolled(0)
		return inst.NetworkAddress, nil
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		current, err := r.describe(ctx, inst.ID)
		switch {
		case err == nil && !current.Pending():
			r.metrics.AddressPolled(attempt)
			return current.NetworkAddress, nil
		case errors.Is(err, cloud.ErrInstanceNotFound):
			r.metrics.AddressPolled(attempt)
			return "", err
		case err != nil:
			if interrupted(ctx, err) {
				return "", err
			}
			lastErr = err
			log.Debug().Err(err).Str("instance_id", inst.ID).Int("attempt", attempt).Msg("Describe failed while waiting for address")
		}
	}
	r.metrics.AddressPolled(r.cfg.PollAttempts)
	if lastErr != nil {
		return "", fmt.Errorf("%w after %d attempts: last error: %v", errNoAddress, r.cfg.PollAttempts, lastErr)
	}
	return "", fmt.Errorf("%w after %d attempts", errNoAddress, r.cfg.PollAttempts)
}

func (r *Reconciler) create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	callCtx, cancel := r.adapterContext(ctx)
	defer cancel()
	return r.provider.Create(callCtx, req)
}

func (r *Reconciler) describe(ctx context.Context, instanceID string) (cloud.Instance, error) {
	callCtx, cancel := r.adapterContext(ctx)
	defer cancel()
	return r.provider.Describe(callCtx, instanceID)
}

func (r *Reconciler) destroy(ctx context.Context, instanceID string) error {
	callCtx, cancel := r.adapterContext(ctx)
	defer cancel()
	return r.provider.Destroy(callCtx, instanceID)
}

// fail records a terminal outcome for this attempt.
func (r *Reconciler) fail(ctx context.Context, id uint64, state statusstore.State, msg, outcome string) error {
	if err := r.store.Set(ctx, id, state, msg); err != nil {
		return err
	}
	r.metrics.Provisioning(outcome)
	return nil
}
