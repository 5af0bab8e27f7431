package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule runs the sweeper every five minutes.
const DefaultSweepSchedule = "@every 5m"

// SweepReport summarises one sweep.
type SweepReport struct {
	DestroyRetried int
	Verified       int
	Retried        int
	Stale          []uint64
}

// Sweeper periodically finishes work the event stream cannot: destroys that
// failed, attempts left in_progress or unknown, and operator retries. It also
// reports entitlements past expiry and grace; it never terminates them.
type Sweeper struct {
	r        *Reconciler
	schedule string
}

// NewSweeper validates schedule (standard cron syntax or a descriptor such as
// "@every 5m") and returns a Sweeper for r.
func NewSweeper(r *Reconciler, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{r: r, schedule: schedule}, nil
}

// Run sweeps once immediately, then on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := cronLogger{logger: log.With().Str("component", "sweeper").Logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	log.Info().Str("schedule", s.schedule).Msg("Sweeper started")
	s.sweepAndLog(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Sweeper stopped")
	return nil
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Sweep finished with errors")
	}
	log.Debug().
		Int("destroy_retried", report.DestroyRetried).
		Int("verified", report.Verified).
		Int("retried", report.Retried).
		Int("stale", len(report.Stale)).
		Msg("Sweep complete")
}

// Sweep runs one pass. Every entry is attempted; errors are aggregated.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		result *multierror.Error
	)
	r := s.r

	forEach := func(states []statusstore.State, fn func(*statusstore.Entry) error) {
		entries, err := r.store.ListByState(ctx, states...)
		if err != nil {
			result = multierror.Append(result, err)
			return
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				result = multierror.Append(result, ctx.Err())
				return
			}
			if err := fn(e); err != nil {
				result = multierror.Append(result, fmt.Errorf("entitlement %d: %w", e.EntitlementID, err))
			}
		}
	}

	forEach([]statusstore.State{statusstore.StateDestroyFailed}, func(e *statusstore.Entry) error {
		report.DestroyRetried++
		return r.Terminate(ctx, e.EntitlementID)
	})

	forEach([]statusstore.State{statusstore.StateInProgress, statusstore.StateUnknown}, func(e *statusstore.Entry) error {
		report.Verified++
		return r.Provision(ctx, e.EntitlementID)
	})

	retryStates := []statusstore.State{statusstore.StateRetryRequested}
	if r.cfg.AutoRetryFailed {
		retryStates = append(retryStates, statusstore.StateFailed, statusstore.StateError)
	}
	forEach(retryStates, func(e *statusstore.Entry) error {
		if e.State != statusstore.StateRetryRequested && e.Attempts >= r.cfg.MaxAttempts {
			return nil
		}
		report.Retried++
		log.Info().
			Uint64("entitlement_id", e.EntitlementID).
			Str("state", string(e.State)).
			Int("attempts", e.Attempts).
			Msg("Retrying provisioning")
		return r.Provision(ctx, e.EntitlementID)
	})

	stale, err := s.reportStale(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	report.Stale = stale

	if err := s.reportCounts(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return report, result.ErrorOrNil()
}

// reportStale finds live entries whose entitlement expired more than the
// grace period ago and was never terminated.
func (s *Sweeper) reportStale(ctx context.Context) ([]uint64, error) {
	r := s.r
	entries, err := r.store.ListByState(ctx,
		statusstore.StateRunning, statusstore.StateFailed, statusstore.StateError,
		statusstore.StateInconsistent, statusstore.StateRetryRequested)
	if err != nil {
		return nil, err
	}

	now := r.now().Unix()
	var (
		stale  []uint64
		result *multierror.Error
	)
	for _, e := range entries {
		view, err := r.ledger.Entitlement(ctx, e.EntitlementID)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("entitlement %d: %w", e.EntitlementID, err))
			continue
		}
		if now < view.ExpiresAt+ledger.GracePeriodSeconds {
			continue
		}
		stale = append(stale, e.EntitlementID)
		log.Warn().
			Uint64("entitlement_id", e.EntitlementID).
			Str("instance_id", e.InstanceID).
			Time("expired_at", time.Unix(view.ExpiresAt, 0).UTC()).
			Msg("Entitlement expired past grace period and is still live")
	}
	r.metrics.SetStale(len(stale))
	return stale, result.ErrorOrNil()
}

func (s *Sweeper) reportCounts(ctx context.Context) error {
	counts, err := s.r.store.CountByState(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(statusstore.States))
	byName := make(map[string]int, len(counts))
	for _, st := range statusstore.States {
		names = append(names, string(st))
		byName[string(st)] = counts[st]
	}
	s.r.metrics.SetStateCounts(names, byName)
	return nil
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
