package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/config"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
)

// The worker refreshes balance snapshots and reports users whose snapshot drifted
// from the ledger.
func main() {
	cfg := config.Load()
	config.ConfigureLogging(cfg, "reconciler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, clock.Real())
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	go func() {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Dur("interval", cfg.ReconcileInterval).Msg("reconciler started")
	if err := run(ctx, st, cfg.ReconcileInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("reconciler stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, r store.Reconciler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reconcileOnce(ctx, r)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reconcileOnce checks existing snapshots first so drift is measured before the
// snapshots are rewritten.
func reconcileOnce(ctx context.Context, r store.Reconciler) {
	drifts, err := r.ReconcileSnapshots(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile snapshots")
		return
	}
	telemetry.LedgerDrift.Set(float64(len(drifts)))
	for _, d := range drifts {
		log.Warn().
			Str("user_id", d.UserID).
			Int64("snapshot_balance", d.Snapshot).
			Int64("ledger_balance", d.Ledger).
			Int64("as_of_txn_id", d.AsOfTxn).
			Msg("balance snapshot drift")
	}

	n, err := r.SnapshotBalances(ctx)
	if err != nil {
		log.Error().Err(err).Msg("snapshot balances")
		return
	}
	log.Debug().Int("users", n).Int("drifted", len(drifts)).Msg("ledger reconciled")
}
