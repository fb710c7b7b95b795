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

	"github.com/xihreaux01/pixel-art-platform/internal/api"
	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/config"
	"github.com/xihreaux01/pixel-art-platform/internal/events"
	"github.com/xihreaux01/pixel-art-platform/internal/finalize"
	"github.com/xihreaux01/pixel-art-platform/internal/orchestrator"
	"github.com/xihreaux01/pixel-art-platform/internal/queue"
	"github.com/xihreaux01/pixel-art-platform/internal/ratelimit"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

func main() {
	cfg := config.Load()
	config.ConfigureLogging(cfg, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real()
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	uploader, err := finalize.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init art uploader")
	}
	renderer := finalize.NewRenderer(uploader, finalize.NewSigner(cfg.SealHMACKey, cfg.SealKeyVersion), clk)

	bus := events.NewBus(rdb)
	orch := orchestrator.New(cfg, st,
		canvas.NewStore(rdb, cfg.CanvasIdleTTL),
		queue.NewRedisQueue(rdb),
		tier.NewCatalog(cfg.Timeouts()),
		renderer,
		orchestrator.WithClock(clk),
		orchestrator.WithEvents(bus),
	)
	limiter := ratelimit.NewTokenBucket(rdb, clk, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	telemetry.Register()
	server := api.New(cfg, orch, st, limiter, bus)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sweep loop stopped")
		}
	}()

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	<-sweepDone
	orch.Wait()
}
