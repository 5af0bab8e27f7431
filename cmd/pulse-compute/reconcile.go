package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/cloud/docker"
	"github.com/rcourtman/pulse-compute/internal/cloud/kubernetes"
	"github.com/rcourtman/pulse-compute/internal/cloud/memory"
	"github.com/rcourtman/pulse-compute/internal/config"
	"github.com/rcourtman/pulse-compute/internal/credentials"
	"github.com/rcourtman/pulse-compute/internal/crypto"
	"github.com/rcourtman/pulse-compute/internal/identity"
	"github.com/rcourtman/pulse-compute/internal/ledgerrpc"
	"github.com/rcourtman/pulse-compute/internal/locks"
	"github.com/rcourtman/pulse-compute/internal/logging"
	"github.com/rcourtman/pulse-compute/internal/observer"
	"github.com/rcourtman/pulse-compute/internal/rcmetrics"
	"github.com/rcourtman/pulse-compute/internal/reconciler"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the provisioning reconciler",
	Long: `Follow the ledger's event log and provision one instance per purchased
entitlement, destroying it again when the entitlement is terminated.

Configuration is read from RC_* environment variables (and a .env file in
the working directory, if present). RC_LEDGER_URL is required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runReconciler(ctx)
	},
}

func runReconciler(ctx context.Context) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "reconciler"})

	cfg, err := config.LoadReconcilerConfig()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "reconciler", FilePath: cfg.LogFile})
	defer logging.Shutdown()

	key, created, err := identity.LoadOrCreate(cfg.ProvisionerKey)
	if err != nil {
		return err
	}
	if created {
		log.Warn().
			Str("address", key.Address().String()).
			Str("path", cfg.ProvisionerKey).
			Msg("Generated a new provisioning identity; configure the ledger with this address before purchases can be fulfilled")
	}

	client, err := ledgerrpc.NewClient(cfg.LedgerURL, key.Private, ledgerrpc.ClientOptions{})
	if err != nil {
		return err
	}
	defer client.Close()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	store, err := statusstore.Open(cfg.StatusDir())
	if err != nil {
		return err
	}
	defer store.Close()

	cm, err := crypto.NewCryptoManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("initialize credential encryption: %w", err)
	}
	vault, err := credentials.Open(cfg.CredentialsDir(), cm)
	if err != nil {
		return err
	}

	cp, err := observer.OpenCheckpoint(cfg.CheckpointDir(), "reconciler")
	if err != nil {
		return err
	}
	defer cp.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := rcmetrics.New(reg)
	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, reg, store.Ping)
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	rec, err := reconciler.New(reconciler.Deps{
		Ledger:   client,
		Provider: provider,
		Store:    store,
		Vault:    vault,
		Locker:   locker,
		Metrics:  metrics,
	}, reconciler.Config{
		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.AddressPoll,
		PollAttempts:    cfg.AddressAttempts,
		AdapterTimeout:  cfg.AdapterTimeout,
		AutoRetryFailed: cfg.AutoRetryFailed,
		MaxAttempts:     cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	sweeper, err := reconciler.NewSweeper(rec, cfg.SweepSchedule)
	if err != nil {
		return err
	}
	obs := observer.New(client, cp, observer.Config{
		Mode:         observer.Mode(cfg.ObserverMode),
		PollInterval: cfg.ObserverPoll,
	}, metrics)

	log.Info().
		Str("version", Version).
		Str("ledger", cfg.LedgerURL).
		Str("provisioner", key.Address().String()).
		Str("provider", provider.Name()).
		Msg("Starting provisioning reconciler")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx, obs.Events()) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("Provisioning reconciler stopped")
	return err
}

func newProvider(cfg *config.ReconcilerConfig) (cloud.Provider, error) {
	switch cfg.Provider {
	case "memory":
		log.Warn().Msg("Using the in-memory provider; instances are simulated and lost on restart")
		return memory.New(cfg.Catalog, memory.Options{}), nil
	case "docker":
		return docker.New(docker.Config{
			Network:   cfg.DockerNetwork,
			OpenPorts: cfg.OpenPorts,
			Packages:  cfg.Packages,
			LimitDisk: cfg.DockerDisk,
		}, cfg.Catalog)
	case "kubernetes":
		return kubernetes.New(kubernetes.Config{
			Namespace:  cfg.KubeNamespace,
			Kubeconfig: cfg.Kubeconfig,
			Context:    cfg.KubeContext,
			OpenPorts:  cfg.OpenPorts,
			Packages:   cfg.Packages,
		}, cfg.Catalog)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newLocker returns the shared Redis lock when RC_REDIS_URL is set and an
// in-process lock otherwise.
func newLocker(ctx context.Context, cfg *config.ReconcilerConfig) (locks.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return locks.NewKeyedMutex(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse RC_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Dur("ttl", cfg.LockTTL).Msg("Using redis entitlement locks")
	return locks.NewRedisLocker(rdb, "", cfg.LockTTL), func() { _ = rdb.Close() }, nil
}
