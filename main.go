package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/auth"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/config"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/debug"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/deployment"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/gvm"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/handlers"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/jobs"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/metrics"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/probes"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scanning"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scheduler"
	_ "github.com/EduardoVieiraCardoso/greenbone-distributed/sqlitedriver"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

// setupLogging configures the global zerolog logger. Unknown levels fall
// back to info so a typo in the config never silences the process.
func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func main() {
	// Early logs use the console format; reconfigured once config is read.
	setupLogging("info", "console")

	configPath := os.Getenv("GBD_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Logging.Level, cfg.Logging.Format)

	log.Info().
		Str("version", version).
		Str("listen", cfg.API.ListenAddr()).
		Str("db_path", cfg.Scan.DBPath).
		Int("probes", len(cfg.Probes)).
		Msg("Greenbone distributed control plane starting")

	instanceID, err := deployment.LoadOrCreate(filepath.Dir(cfg.Scan.DBPath))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize instance UUID")
	}
	log.Info().Str("instance_uuid", instanceID.String()).Msg("Instance identity loaded")

	db, err := database.New(cfg.Scan.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	engineConfigs := make([]gvm.Config, 0, len(cfg.Probes))
	for _, p := range cfg.Probes {
		engineConfigs = append(engineConfigs, gvm.Config{
			Name:          p.Name,
			Host:          p.Host,
			Port:          p.Port,
			Username:      p.Username,
			Password:      p.Password,
			Timeout:       time.Duration(cfg.GVM.Timeout) * time.Second,
			RetryAttempts: cfg.GVM.RetryAttempts,
			RetryDelay:    time.Duration(cfg.GVM.RetryDelay) * time.Second,
		})
	}
	pool, err := probes.NewPool(engineConfigs)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid probe configuration")
	}
	selector := probes.NewSelector(pool, cfg.Scan.MaxConsecutiveSameProbe)

	registry := metrics.NewRegistry(db, instanceID.String(), version)

	resolve := func(name string) (scanning.Engine, bool) {
		client, ok := pool.Get(name)
		if !ok {
			return nil, false
		}
		return client, true
	}
	manager := scanning.NewManager(db, selector, resolve, registry, scanning.Config{
		PollInterval:       time.Duration(cfg.Scan.PollInterval) * time.Second,
		MaxDuration:        time.Duration(cfg.Scan.MaxDuration) * time.Second,
		CleanupAfterReport: cfg.Scan.CleanupAfterReport,
		GVMScanConfig:      cfg.Scan.GVMScanConfig,
		GVMScanner:         cfg.Scan.GVMScanner,
		DefaultPortList:    cfg.Scan.DefaultPortList,
		CallbackURL:        cfg.Source.CallbackURL,
		CallbackAuthToken:  cfg.Source.AuthToken,
		CallbackTimeout:    time.Duration(cfg.Source.Timeout) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Re-adopt scans left incomplete by the previous process before the
	// API starts accepting new submissions.
	if err := manager.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover incomplete scans")
	}

	sched := scheduler.New()
	if cfg.Source.URL != "" {
		syncInterval := time.Duration(cfg.Source.SyncInterval) * time.Second
		syncJob := jobs.NewTargetSyncJob(db, registry, jobs.SyncConfig{
			SourceURL: cfg.Source.URL,
			AuthToken: cfg.Source.AuthToken,
			Timeout:   time.Duration(cfg.Source.Timeout) * time.Second,
		})
		if err := sched.AddJob(syncJob, scheduler.NewIntervalScheduleWithJitter(syncInterval, syncInterval/10), scheduler.JobConfig{
			Enabled: true,
			Timeout: 2 * time.Minute,
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to register target sync job")
		}

		schedulerInterval := time.Duration(cfg.Source.SchedulerInterval) * time.Second
		scheduleJob := jobs.NewScanSchedulerJob(db, manager)
		if err := sched.AddJob(scheduleJob, scheduler.NewIntervalSchedule(schedulerInterval), scheduler.JobConfig{
			Enabled: true,
			Timeout: 2 * time.Minute,
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to register scan scheduler job")
		}
	} else {
		log.Info().Msg("No source configured, target sync and scheduled scanning disabled")
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	probeInfos := make([]handlers.ProbeInfo, 0, len(cfg.Probes))
	for _, p := range cfg.Probes {
		probeInfos = append(probeInfos, handlers.ProbeInfo{Name: p.Name, Host: p.Host, Port: p.Port})
	}

	mux := http.NewServeMux()
	handlers.RegisterScanHandlers(mux, manager, db)
	handlers.RegisterProbeHandlers(mux, probeInfos, db, pool)
	handlers.RegisterTargetHandlers(mux, db)
	handlers.RegisterDebugHandlers(mux, cfg.Debug.Enabled, db, sched)
	auth.RegisterAuthHandlers(mux, cfg.API.JWTSecret, cfg.API.JWTExpireMinutes)
	mux.Handle("GET /metrics", registry.Handler())

	if cfg.API.JWTSecret != "" {
		log.Info().Msg("JWT authentication enabled")
	}
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.API.JWTSecret, handler)
	handler = debug.RequestLogger(handler)

	var otelExporter *metrics.OTELExporter
	if cfg.Telemetry.OTELEndpoint != "" {
		otelExporter, err = metrics.NewOTELExporter(ctx, db, instanceID.String(), version, metrics.OTELConfig{
			Endpoint:     cfg.Telemetry.OTELEndpoint,
			Protocol:     cfg.Telemetry.OTELProtocol,
			PushInterval: time.Duration(cfg.Telemetry.PushInterval) * time.Second,
			Insecure:     cfg.Telemetry.OTELInsecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize OTLP exporter, continuing without push")
			otelExporter = nil
		}
	}

	server := &http.Server{
		Addr:    cfg.API.ListenAddr(),
		Handler: handler,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-sigChan
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler stop failed")
	}
	cancel()
	manager.Shutdown()

	if otelExporter != nil {
		if err := otelExporter.Shutdown(); err != nil {
			log.Error().Err(err).Msg("OTLP exporter shutdown failed")
		}
	}
	pool.Close()
	if err := database.Close(db); err != nil {
		log.Error().Err(err).Msg("Database close failed")
	}

	log.Info().Msg("Control plane stopped")
}
