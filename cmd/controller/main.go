// Command controller runs the backup controller: the REST API, the agent and
// UI WebSocket endpoints, the cron scheduler, the liveness ping service and
// the orchestrator that drives every backup run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/api"
	"github.com/localplatform/backup-server/internal/config"
	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/deploy"
	"github.com/localplatform/backup-server/internal/eventbus"
	"github.com/localplatform/backup-server/internal/metrics"
	"github.com/localplatform/backup-server/internal/orchestrator"
	"github.com/localplatform/backup-server/internal/ping"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/scheduler"
	"github.com/localplatform/backup-server/internal/shutdown"
)

func main() {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "controller",
		Short: "Runs the backup controller server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	root.Flags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver: sqlite or postgres")
	root.Flags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "database DSN for postgres; sqlite uses <data-dir>/backup-server.db")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the database and its daily snapshots")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	dsn := cfg.DBDSN
	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "" {
		dsn = cfg.DataDir + "/backup-server.db"
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	servers := repositories.NewServerRepository(database)
	jobs := repositories.NewJobRepository(database)
	versions := repositories.NewVersionRepository(database)
	logs := repositories.NewLogRepository(database)
	settings := repositories.NewSettingRepository(database)

	if cfg.BackupsDir != "" {
		if existing, err := settings.Get(ctx, "backup_root"); err != nil || existing == "" {
			if err := os.MkdirAll(cfg.BackupsDir, 0o755); err != nil {
				logger.Warn("failed to pre-create default backups dir", zap.Error(err))
			} else if err := settings.Set(ctx, "backup_root", cfg.BackupsDir); err != nil {
				logger.Warn("failed to seed default backup_root setting", zap.Error(err))
			}
		}
	}

	bus := eventbus.NewHub()
	busCtx, busCancel := context.WithCancel(context.Background())
	go bus.Run(busCtx)

	registry := agentregistry.NewRegistry(servers, bus, logger)

	rootProvider := func(ctx context.Context) (string, error) {
		return settings.Get(ctx, "backup_root")
	}
	orch := orchestrator.New(jobs, versions, logs, servers, registry, bus, rootProvider, orchestrator.Config{
		GlobalConcurrency:    cfg.MaxConcurrentGlobal,
		PerServerConcurrency: cfg.MaxConcurrentPerServer,
	}, logger)

	sched, err := scheduler.New(jobs, orch, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	pingSvc := ping.New(servers, registry, bus, logger)
	go pingSvc.Run(ctx)

	// Refresh the connection and running-job gauges served at /metrics.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.ConnectedAgents.Set(float64(registry.ConnectedCount()))
			metrics.UIClients.Set(float64(bus.ConnectedCount()))
			metrics.RunningJobs.Set(float64(orch.RunningCount()))
		}
	}()

	deployer := deploy.New(registry, deploy.Config{
		AgentBinaryPath:      cfg.AgentBinaryPath,
		ControllerPort:       cfg.Port,
		FallbackControllerIP: cfg.BackupServerIP,
	}, logger)

	router := api.NewRouter(api.RouterConfig{
		Servers:  api.NewServerHandler(servers, registry, deployer, orch, pingSvc, logger),
		Jobs:     api.NewJobHandler(jobs, servers, logs, settings, registry, orch, sched, logger),
		Storage:  api.NewStorageHandler(settings, jobs, versions, servers, logger),
		Versions: api.NewVersionHandler(versions, jobs, logger),
		Uploads:  api.NewUploadHandler(jobs, versions, orch, logger),
		Agent:    api.NewAgentHandler(servers, registry, cfg.AgentBinaryPath, logger),
		UI:       api.NewUIHandler(bus, logger),
		Agents:   registry,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	snapshotStop := make(chan struct{})
	go db.RunDailySnapshotLoop(dsn, cfg.DataDir, logger, snapshotStop)

	go func() {
		logger.Info("controller listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	close(snapshotStop)

	controller := &shutdown.Controller{
		Scheduler: sched,
		Ping:      pingSvc,
		Orch:      orch,
		Agents:    registry,
		UIClose:   busCancel,
		DB:        database,
		HTTP:      httpSrv,
		Logger:    logger,
	}
	controller.Run(context.Background())

	return nil
}
