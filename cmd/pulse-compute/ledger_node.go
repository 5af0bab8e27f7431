package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-compute/internal/config"
	"github.com/rcourtman/pulse-compute/internal/identity"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/ledgerrpc"
	"github.com/rcourtman/pulse-compute/internal/logging"
)

var ledgerNodeCmd = &cobra.Command{
	Use:   "ledger-node",
	Short: "Run a standalone ledger and its HTTP gateway",
	Long: `Run the entitlement ledger in-process with an in-memory payment token and
serve it over HTTP. State is snapshotted to disk periodically and on
shutdown, and restored on start.

Configuration is read from LN_* environment variables. LN_PROVISIONER_ADDRESS,
LN_ADMIN_ADDRESS and LN_TREASURY_ADDRESS are required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runLedgerNode(ctx)
	},
}

func runLedgerNode(ctx context.Context) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "ledger"})

	cfg, err := config.LoadNodeConfig()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "ledger", FilePath: cfg.LogFile})
	defer logging.Shutdown()

	key, created, err := identity.LoadOrCreate(cfg.NodeKey)
	if err != nil {
		return err
	}
	if created {
		log.Info().Str("address", key.Address().String()).Str("path", cfg.NodeKey).Msg("Generated ledger node identity")
	}

	token := ledger.NewToken(cfg.TokenSymbol)
	l, err := ledger.New(ledger.Config{
		Self:        key.Address(),
		Treasury:    cfg.Treasury,
		Provisioner: cfg.Provisioner,
		Admin:       cfg.Admin,
		Token:       token,
	})
	if err != nil {
		return err
	}
	restored, err := l.LoadSnapshotFile(cfg.SnapshotPath())
	if err != nil {
		return err
	}
	if restored {
		log.Info().Str("path", cfg.SnapshotPath()).Uint64("latest_seq", l.LatestSeq()).Msg("Restored ledger snapshot")
	}

	gateway := ledgerrpc.NewServer(l, token, ledgerrpc.Options{Faucet: cfg.Faucet})
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("self", key.Address().String()).
			Str("token", token.Symbol()).
			Bool("faucet", cfg.Faucet).
			Msg("Ledger gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ledger gateway: %w", err)
		}
		close(errCh)
	}()

	go snapshotLoop(ctx, l, cfg.SnapshotPath(), cfg.SnapshotInterval)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("Shutting down ledger gateway...")
	gateway.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ledger gateway shutdown error")
	}

	if err := l.WriteSnapshotFile(cfg.SnapshotPath()); err != nil {
		return fmt.Errorf("write final snapshot: %w", err)
	}
	log.Info().Str("path", cfg.SnapshotPath()).Uint64("latest_seq", l.LatestSeq()).Msg("Ledger snapshot saved")
	return nil
}

// snapshotLoop writes a snapshot whenever the log has grown since the last
// write.
func snapshotLoop(ctx context.Context, l *ledger.Ledger, path string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	written := l.LatestSeq()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq := l.LatestSeq()
		if seq == written {
			continue
		}
		if err := l.WriteSnapshotFile(path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to write ledger snapshot")
			continue
		}
		written = seq
		log.Debug().Uint64("latest_seq", seq).Msg("Ledger snapshot written")
	}
}
