package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/api"
	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/reaper"
	"lab-sandbox/internal/sandbox"
	"lab-sandbox/internal/storage"
)

func main() {
	_ = godotenv.Load()

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration after environment overrides")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("tracing unavailable")
	}
	tracer := monitor.NewTracer()

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics()
	}

	// The lab service cannot do anything useful without a runtime.
	rawDriver, err := sandbox.NewDriver(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no container runtime available")
	}
	var observer sandbox.Observer
	if metrics != nil {
		observer = metrics
	}
	driver := sandbox.Instrument(rawDriver, observer)

	cat, err := loadCatalog(ctx, cfg, driver)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load template catalog")
	}

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else if err := db.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("database migration failed, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	var events lifecycle.EventSink
	var executions gateway.ExecutionSink
	var audit api.AuditStore
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		events, executions, audit = auditWriter, auditWriter, db
	}

	provisioner := provision.New(driver, provision.Options{
		StopGrace:      cfg.Runtime.StopGrace,
		CleanupTimeout: cfg.Lifecycle.CleanupTimeout,
		Tracer:         tracer,
	})
	networks := provision.NewNetworkManager(driver)
	manager := lifecycle.NewManager(lifecycle.ConfigFrom(cfg), lifecycle.Deps{
		Catalog:     cat,
		Networks:    networks,
		Provisioner: provisioner,
		Metrics:     metrics,
		Tracer:      tracer,
		Events:      events,
	})

	gwOpts := gateway.OptionsFrom(cfg.Exec)
	gwOpts.Languages = cat.Languages()
	gwOpts.Metrics = metrics
	gwOpts.Tracer = tracer
	gwOpts.Sink = executions
	gw := gateway.New(driver, manager, gwOpts)

	rp := reaper.New(driver, manager, reaper.Options{
		Scope:       cfg.Runtime.Scope,
		Interval:    cfg.Reaper.Interval,
		StopGrace:   cfg.Runtime.StopGrace,
		Metrics:     metrics,
		Provisioner: provisioner,
		Networks:    networks,
	})
	reaperDone := make(chan struct{})
	if cfg.Reaper.Enabled {
		go func() {
			defer close(reaperDone)
			if err := rp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("reaper stopped")
			}
		}()
	} else {
		close(reaperDone)
	}

	server := api.NewServer(cfg, api.Deps{
		Templates: cat,
		Instances: manager,
		Gateway:   gw,
		Reaper:    rp,
		Audit:     audit,
		Runtime:   driver,
		Metrics:   metrics,
	})

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Stop the reaper first so it does not race the final teardown.
		cancel()
		<-reaperDone

		if err := manager.StopAll(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("some instances were not released; the next start's sweep reclaims them")
		}

		if auditWriter != nil {
			auditWriter.Flush(10 * time.Second)
		}
		if err := driver.Close(); err != nil {
			log.Error().Err(err).Msg("driver close error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("runtime", driver.Name()).
		Int("templates", len(cat.List(""))).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Start returns as soon as Shutdown begins; wait for the teardown.
	<-stopped
	log.Info().Msg("server stopped")
}

// loadCatalog validates the templates and checks that every image is usable.
// With pulling disabled the driver only accepts images already present, so a
// missing image stops the server here rather than failing each start.
func loadCatalog(ctx context.Context, cfg *config.Config, resolver catalog.ImageResolver) (*catalog.Catalog, error) {
	return catalog.New(ctx, cfg.Templates, catalog.Options{Resolver: resolver})
}
