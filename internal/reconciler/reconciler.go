// Package reconciler drives cloud instances from ledger events: it creates an
// instance for every purchased entitlement, writes the instance identity back
// to the ledger, and releases the instance when the entitlement terminates.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/credentials"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/locks"
	"github.com/rcourtman/pulse-compute/internal/observer"
	"github.com/rcourtman/pulse-compute/internal/rcmetrics"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Ledger is the part of the ledger the reconciler needs. It is satisfied by
// an in-process ledger.Session and by the remote ledgerrpc.Client, both bound
// to the provisioning identity.
type Ledger interface {
	Entitlement(ctx context.Context, id uint64) (ledger.View, error)
	SetProvisioned(ctx context.Context, id uint64, instanceID, networkAddress string) error
}

// Config tunes the reconciler.
type Config struct {
	// Concurrency bounds how many entitlements are driven at once.
	Concurrency int
	// PollInterval and PollAttempts bound the wait for a routable address.
	PollInterval time.Duration
	PollAttempts int
	// AdapterTimeout bounds every single cloud provider call.
	AdapterTimeout time.Duration
	// WritebackAttempts bounds retries of SetProvisioned on transient errors.
	WritebackAttempts int
	WritebackBackoff  time.Duration
	// AutoRetryFailed lets the sweeper retry failed entries on its own, up to
	// MaxAttempts attempts per entitlement.
	AutoRetryFailed bool
	MaxAttempts     int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 30
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = time.Minute
	}
	if c.WritebackAttempts <= 0 {
		c.WritebackAttempts = 5
	}
	if c.WritebackBackoff <= 0 {
		c.WritebackBackoff = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Deps are the collaborators of a Reconciler. Locker and Metrics are
// optional.
type Deps struct {
	Ledger   Ledger
	Provider cloud.Provider
	Store    *statusstore.Store
	Vault    *credentials.Vault
	Locker   locks.Locker
	Metrics  *rcmetrics.Metrics
}

// Reconciler turns ledger events into cloud instances.
type Reconciler struct {
	ledger   Ledger
	provider cloud.Provider
	store    *statusstore.Store
	vault    *credentials.Vault
	locker   locks.Locker
	metrics  *rcmetrics.Metrics
	cfg      Config
	now      func() time.Time
}

// New creates a Reconciler.
func New(deps Deps, cfg Config) (*Reconciler, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("reconciler: ledger is required")
	case deps.Provider == nil:
		return nil, errors.New("reconciler: cloud provider is required")
	case deps.Store == nil:
		return nil, errors.New("reconciler: status store is required")
	case deps.Vault == nil:
		return nil, errors.New("reconciler: credential vault is required")
	}
	locker := deps.Locker
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	return &Reconciler{
		ledger:   deps.Ledger,
		provider: deps.Provider,
		store:    deps.Store,
		vault:    deps.Vault,
		locker:   locker,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}, nil
}

// Run consumes deliveries until the stream closes or ctx is cancelled,
// handling up to Config.Concurrency entitlements in parallel. Each delivery
// is acknowledged with the handler's result, so interrupted work is
// redelivered by the observer.
func (r *Reconciler) Run(ctx context.Context, deliveries <-chan *observer.Delivery) error {
	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))
	var g errgroup.Group

	log.Info().
		Str("provider", r.provider.Name()).
		Int("concurrency", r.cfg.Concurrency).
		Msg("Reconciler started")
	defer log.Info().Msg("Reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case d, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				d.Done(err)
				return g.Wait()
			}
			g.Go(func() error {
				defer sem.Release(1)
				d.Done(r.Handle(ctx, d.Event))
				return nil
			})
		}
	}
}

// Handle processes one ledger event. A nil result means the event needs no
// further delivery; its outcome, failures included, is in the status store.
func (r *Reconciler) Handle(ctx context.Context, ev ledger.Event) error {
	switch ev.Kind {
	case ledger.EventPurchased:
		return r.Provision(ctx, ev.EntitlementID)
	case ledger.EventTerminated:
		return r.Terminate(ctx, ev.EntitlementID)
	default:
		return nil
	}
}

// Status returns the recorded state for id, or nil.
func (r *Reconciler) Status(ctx context.Context, id uint64) (*statusstore.Entry, error) {
	return r.store.Get(ctx, id)
}

func (r *Reconciler) lock(ctx context.Context, id uint64) (func(), error) {
	unlock, err := r.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock entitlement %d: %w", id, err)
	}
	return unlock, nil
}

func lockKey(id uint64) string {
	return "entitlement:" + strconv.FormatUint(id, 10)
}

// interrupted reports whether err came from ctx being cancelled.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// adapterContext bounds one cloud provider call. Its deadline is a failed
// call, not an interruption: interrupted only looks at the parent context.
func (r *Reconciler) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.AdapterTimeout)
}

// detached returns a short-lived context that survives cancellation of ctx,
// for recording outcomes after the caller gave up.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
