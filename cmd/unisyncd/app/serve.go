package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/unisync/unisync/internal/api"
	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/conflict"
	"github.com/unisync/unisync/internal/engine"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/events"
	"github.com/unisync/unisync/internal/mapping"
	"github.com/unisync/unisync/internal/state"
	"github.com/unisync/unisync/internal/target"
	"github.com/unisync/unisync/internal/telemetry"
	"github.com/unisync/unisync/internal/transform"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the sync server with the configured target systems.

Without --config the server runs with the built-in defaults: the v2,
calendar and buildup systems in hybrid mode.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // must exceed serverRequestTimeout so the timeout middleware can answer
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		slog.Error("Failed to bind config flag", "error", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	// Load configuration
	var loadOpts []config.Option
	if configPath := viper.GetString("config"); configPath != "" {
		loadOpts = append(loadOpts, config.WithConfigPath(configPath))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if address := viper.GetString("address"); address != "" {
		cfg.API.Address = address
	}

	slog.Info("Starting sync server",
		"address", cfg.API.Address,
		"mode", cfg.Engine.Mode,
		"systems", len(cfg.Systems))

	// Metrics instruments; the global provider is a no-op unless an SDK
	// provider is installed
	meterProvider := otel.GetMeterProvider()
	transformMetrics, err := telemetry.NewTransformMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create transform metrics: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	// Shared infrastructure
	bus := events.NewBus()
	store := entity.NewMemoryStore()

	// Transformation pipeline
	registry := mapping.NewRegistry()
	if err := mapping.RegisterDefaults(registry); err != nil {
		return fmt.Errorf("failed to register default mappings: %w", err)
	}
	transformer := transform.NewEngine(registry, store,
		transform.WithEventBus(bus),
		transform.WithMetrics(transformMetrics),
	)

	// Target systems
	targets := target.NewRegistry()
	systems := []target.System{
		target.NewV2System(),
		target.NewCalendarSystem(),
		target.NewBuildupSystem(),
	}
	for _, sys := range systems {
		if sysCfg, ok := cfg.Systems[string(sys.Name())]; ok && !sysCfg.Enabled {
			slog.Info("Skipping disabled target system", "system", sys.Name())
			continue
		}
		if err := targets.Register(sys); err != nil {
			return fmt.Errorf("failed to register target system: %w", err)
		}
	}

	// Sync pipeline
	detector := change.NewDetector(store, cfg, change.WithEventBus(bus))
	resolver := conflict.NewResolver(cfg, conflict.WithEventBus(bus))
	states := state.NewManager(cfg.State.SnapshotInterval, cfg.State.SnapshotRetention,
		state.WithPersister(state.NewFilePersister(cfg.State.SnapshotPath)),
	)

	syncEngine := engine.New(cfg, store, detector, resolver, targets, states,
		engine.WithEventBus(bus),
		engine.WithSyncMetrics(syncMetrics),
	)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go func() {
		if err := syncEngine.Start(engineCtx); err != nil {
			slog.Error("Sync engine failed", "error", err)
		}
	}()

	// Feed inbound records from pollable systems through the transformer
	go pollDataSources(engineCtx, cfg, systems, transformer)

	// HTTP surface
	router := api.NewServer(syncEngine, states, resolver, store,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", cfg.API.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server")

	if err := syncEngine.Stop(); err != nil {
		slog.Error("Failed to stop sync engine", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// pollDataSources periodically fetches inbound records from systems that
// expose a record feed and runs them through the transformation engine
func pollDataSources(ctx context.Context, cfg *config.Config, systems []target.System, transformer transform.Engine) {
	ticker := time.NewTicker(cfg.Detector.PollInterval)
	defer ticker.Stop()

	lastPoll := time.Time{}
	for {
		select {
		case <-ticker.C:
			since := lastPoll
			lastPoll = time.Now()
			for _, sys := range systems {
				source, ok := sys.(target.DataSource)
				if !ok {
					continue
				}
				records, err := source.FetchRecords(ctx, since)
				if err != nil {
					slog.Warn("Failed to fetch inbound records",
						"system", sys.Name(),
						"error", err)
					continue
				}
				if len(records) == 0 {
					continue
				}
				result, err := transformer.TransformBatch(ctx, records, "system-poller")
				if err != nil {
					slog.Warn("Failed to transform inbound records",
						"system", sys.Name(),
						"error", err)
					continue
				}
				slog.Info("Transformed inbound records",
					"system", sys.Name(),
					"total", result.Total,
					"succeeded", result.Succeeded,
					"failed", result.Failed)
			}
		case <-ctx.Done():
			return
		}
	}
}
