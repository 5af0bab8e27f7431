package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/rs/zerolog/log"
)

// Terminate releases the cloud instance of a terminated entitlement and
// marks it terminated. A destroy failure is recorded as destroy_failed and
// retried by the sweeper; it is not returned.
func (r *Reconciler) Terminate(ctx context.Context, id uint64) error {
	unlock, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.terminateLocked(ctx, id, entry)
}

func (r *Reconciler) terminateLocked(ctx context.Context, id uint64, entry *statusstore.Entry) error {
	if entry != nil && entry.State == statusstore.StateTerminated {
		r.metrics.Destroy("skipped")
		return nil
	}

	instanceID := ""
	if entry != nil {
		instanceID = entry.InstanceID
	}
	logger := log.With().Uint64("entitlement_id", id).Str("instance_id", instanceID).Logger()

	if instanceID != "" {
		err := r.destroy(ctx, instanceID)
		switch {
		case err == nil:
			r.metrics.Destroy("destroyed")
			logger.Info().Msg("Instance destroyed")
		case errors.Is(err, cloud.ErrInstanceNotFound):
			r.metrics.Destroy("absent")
			logger.Info().Msg("Instance already gone")
		case interrupted(ctx, err):
			return err
		default:
			r.metrics.Destroy("failed")
			logger.Error().Err(err).Msg("Failed to destroy instance")
			return r.store.Set(ctx, id, statusstore.StateDestroyFailed, fmt.Sprintf("destroy %s: %v", instanceID, err))
		}
	} else {
		r.metrics.Destroy("absent")
	}

	if err := r.vault.Delete(id); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove stored credential")
	}
	if err := r.store.Set(ctx, id, statusstore.StateTerminated, ""); err != nil {
		return err
	}
	logger.Info().Msg("Entitlement terminated")
	return nil
}
