package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/rs/zerolog"
)

// transientWriteback reports whether a SetProvisioned failure may succeed if
// simply tried again.
func transientWriteback(err error) bool {
	if errors.Is(err, ledger.ErrPaused) {
		return true
	}
	return !ledger.IsRejection(err)
}

// writeBack records the instance identity on the ledger and the final state
// in the status store.
func (r *Reconciler) writeBack(ctx context.Context, logger zerolog.Logger, id uint64, instanceID, address string) error {
	var err error
	for attempt := 1; attempt <= r.cfg.WritebackAttempts; attempt++ {
		err = r.ledger.SetProvisioned(ctx, id, instanceID, address)
		if err == nil {
			if err := r.store.MarkRunning(ctx, id, instanceID, address); err != nil {
				return err
			}
			r.metrics.Writeback("ok")
			r.metrics.Provisioning("running")
			logger.Info().Msg("Entitlement provisioned")
			return nil
		}
		if interrupted(ctx, err) {
			return r.markUnknown(ctx, logger, id, err)
		}
		if !transientWriteback(err) {
			return r.resolveRejected(ctx, logger, id, instanceID, address, err)
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("Ledger write-back failed, retrying")
		if attempt == r.cfg.WritebackAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return r.markUnknown(ctx, logger, id, ctx.Err())
		case <-time.After(r.cfg.WritebackBackoff * time.Duration(attempt)):
		}
	}

	r.metrics.Writeback("unavailable")
	r.metrics.Provisioning("unknown")
	logger.Error().Err(err).Msg("Ledger write-back did not complete, outcome unknown")
	return r.store.Set(ctx, id, statusstore.StateUnknown, fmt.Sprintf("write-back: %v", err))
}

// markUnknown records that a write-back may or may not have reached the
// ledger. The sweeper resolves unknown entries against the ledger.
func (r *Reconciler) markUnknown(ctx context.Context, logger zerolog.Logger, id uint64, cause error) error {
	recordCtx, cancel := detached(ctx)
	defer cancel()
	if err := r.store.Set(recordCtx, id, statusstore.StateUnknown, fmt.Sprintf("write-back interrupted: %v", cause)); err != nil {
		logger.Error().Err(err).Msg("Failed to record interrupted write-back")
	}
	r.metrics.Writeback("interrupted")
	r.metrics.Provisioning("interrupted")
	return cause
}

// resolveRejected handles a deterministic SetProvisioned rejection, usually
// a racing duplicate. If the ledger already holds this identity the
// rejection is informational.
func (r *Reconciler) resolveRejected(ctx context.Context, logger zerolog.Logger, id uint64, instanceID, address string, rejection error) error {
	if errors.Is(rejection, ledger.ErrExpired) {
		// The instance stays up: a renewal inside the grace window makes the
		// entry retryable and the retry reuses it.
		r.metrics.Writeback("rejected")
		logger.Warn().Err(rejection).Msg("Entitlement expired before write-back, instance left running")
		return r.fail(ctx, id, statusstore.StateFailed, fmt.Sprintf("expired before write-back; instance %s left running", instanceID), "failed")
	}

	view, err := r.ledger.Entitlement(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		r.metrics.Writeback("rejected")
		logger.Warn().Err(rejection).Msg("Entitlement terminated while provisioning")
		return r.fail(ctx, id, statusstore.StateInconsistent, "entitlement terminated during provisioning", "inconsistent")
	case err != nil:
		if interrupted(ctx, err) {
			return r.markUnknown(ctx, logger, id, err)
		}
		r.metrics.Writeback("unavailable")
		logger.Error().Err(err).Msg("Failed to re-query ledger after rejected write-back")
		return r.fail(ctx, id, statusstore.StateUnknown, fmt.Sprintf("write-back rejected (%v), re-query failed: %v", rejection, err), "unknown")
	}

	if view.EverProvisioned && view.InstanceID == instanceID && view.NetworkAddress == address {
		if err := r.store.MarkRunning(ctx, id, instanceID, address); err != nil {
			return err
		}
		r.metrics.Writeback("already_recorded")
		r.metrics.Provisioning("running")
		logger.Info().Err(rejection).Msg("Ledger already records this instance")
		return nil
	}

	r.metrics.Writeback("rejected")
	logger.Warn().
		Err(rejection).
		Str("ledger_status", view.Status.String()).
		Str("ledger_instance_id", view.InstanceID).
		Str("ledger_network_address", view.NetworkAddress).
		Msg("Ledger write-back rejected, recording inconsistency")
	msg := fmt.Sprintf("write-back rejected: %v; ledger has status=%s instance=%q address=%q",
		rejection, view.Status, view.InstanceID, view.NetworkAddress)
	return r.fail(ctx, id, statusstore.StateInconsistent, msg, "inconsistent")
}
