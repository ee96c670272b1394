package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"conduit/internal/conduit"
	"conduit/internal/config"
	"conduit/internal/event"
	"conduit/internal/observability"
	"conduit/internal/outbound"
	"conduit/internal/persistence"
	"conduit/internal/pool"
	"conduit/internal/rates"
	"conduit/internal/ray"
	"conduit/internal/registry"
	"conduit/internal/server"
)

const poolClientTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("CONDUIT_CONFIG", "conduit.yaml"), "path to config file")
	flag.Parse()

	log := observability.NewLogger("conduitd")
	log.Info().Str("config", *configPath).Msg("conduitd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := outbound.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := outbound.EnsureStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure), the publish channel drops.
	persistChan := make(chan *event.Record, cfg.PersistBuffer)
	publishChan := make(chan *event.Record, cfg.PublishBuffer)
	metrics.SetChannelMetrics("persist", 0, cap(persistChan))
	metrics.SetChannelMetrics("publish", 0, cap(publishChan))

	// --- Controller ---
	poolClient := pool.NewClient(cfg.PoolURL, poolClientTimeout)
	buffers := registry.NewBuffers(cfg.Domains)
	access := registry.NewAccess(cfg.Permissions)

	controller := conduit.NewController(
		poolClient, buffers, access,
		persistChan, publishChan,
		metrics, observability.NewLogger("controller"),
	)

	// --- Workers ---
	errChan := make(chan error, 4)

	persistWorker := persistence.NewWorker(
		db, persistChan,
		cfg.PersistBatchSize, time.Duration(cfg.PersistFlushMs)*time.Millisecond,
		metrics, observability.NewLogger("persistence"),
	)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	publisher := outbound.NewPublisher(js, publishChan, observability.NewLogger("outbound"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// --- Ledger rebuild from the event log ---
	replayed, err := replayEventLog(ctx, persistWorker.Writer(), controller, log)
	if err != nil {
		log.Fatal().Err(err).Msg("event replay")
	}
	log.Info().
		Int64("events", replayed).
		Int64("sequence", controller.Sequence()).
		Msg("ledger rebuilt from event log")

	// --- Assets and rate strategies ---
	strategies, err := configureAssets(ctx, cfg, controller, metrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("configure assets")
	}

	for _, a := range cfg.Assets {
		if err := controller.VerifyLedger(a.Symbol); err != nil {
			log.Fatal().Err(err).Str("asset", a.Symbol).Msg("ledger verification failed")
		}
	}

	// --- Metrics and health server ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
	metricsMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddress).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// --- API server ---
	apiServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: server.New(
			controller, strategies, buffers, cfg.AdminToken,
			metrics, observability.NewLogger("server"),
		).Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddress).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("api", cfg.ListenAddress).
		Str("metrics", cfg.MetricsAddress).
		Int("assets", len(cfg.Assets)).
		Int("domains", len(cfg.Domains)).
		Msg("conduitd ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	healthChecker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown")
	}

	// Close the channels only after the API has drained so every applied
	// operation reaches the workers; they flush the backlog and exit.
	close(persistChan)
	close(publishChan)
	for i := 0; i < 2; i++ {
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
		}
	}
	cancel()

	log.Info().Msg("conduitd shutdown complete")
}

// replayEventLog streams the durable log through the controller to rebuild
// the in-memory share ledger.
func replayEventLog(
	ctx context.Context,
	writer *persistence.EventLogWriter,
	controller *conduit.Controller,
	log zerolog.Logger,
) (int64, error) {
	var count int64
	_, err := writer.LoadEvents(ctx, func(row persistence.EventRow) error {
		shares, err := persistence.ParseAmount(row.Shares)
		if err != nil {
			return fmt.Errorf("event seq %d: %w", row.Sequence, err)
		}
		typ := event.ParseEventType(row.EventType)
		if typ == event.EventTypeUnknown {
			log.Warn().
				Int64("sequence", row.Sequence).
				Str("event_type", row.EventType).
				Msg("skipping unknown event type in log")
			return nil
		}
		controller.Replay(typ, row.Asset, row.Domain, shares, row.Sequence)
		count++
		return nil
	})
	return count, err
}

// configureAssets applies the configured flags and rates and builds one rate
// strategy per asset, each with a freshly computed cache.
func configureAssets(
	ctx context.Context,
	cfg config.Config,
	controller *conduit.Controller,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (map[string]*rates.Strategy, error) {
	strategies := make(map[string]*rates.Strategy, len(cfg.Assets))

	for _, a := range cfg.Assets {
		if a.Enabled {
			controller.EnableAsset(a.Symbol)
		} else {
			controller.DisableAsset(a.Symbol)
		}
		controller.SetSubsidyRate(a.Symbol, ray.BPSToRay(a.SubsidyBPS))
		controller.SetBaseRate(a.Symbol, ray.BPSToRay(a.BaseBPS))

		strategy, err := rates.NewStrategy(
			a.Symbol, controller,
			ray.BPSToRay(a.MaxRateBPS), ray.BPSToRay(a.SpreadBPS),
			metrics, observability.NewLogger("rates"),
		)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
		}

		// A cold cache reports zero rates until the first refresh. The pool
		// may be briefly unreachable at boot, so a failed initial refresh is
		// logged rather than fatal.
		if err := strategy.Recompute(ctx); err != nil {
			log.Warn().Err(err).Str("asset", a.Symbol).Msg("initial rate refresh failed")
		}

		strategies[a.Symbol] = strategy
	}
	return strategies, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
