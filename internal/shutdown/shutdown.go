// Package shutdown drains the controller in the fixed order the backup
// protocol requires: cron first so no new run starts, then the liveness
// timer, then in-flight jobs and their agent sockets, then UI sockets, then
// the database, and finally the HTTP listener — each step bounded by an
// overall watchdog so a stuck step cannot hang the process forever.
package shutdown

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gorm.io/gorm"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/orchestrator"
	"github.com/localplatform/backup-server/internal/ping"
	"github.com/localplatform/backup-server/internal/scheduler"
)

// watchdog bounds the entire sequence (spec §5: "an 8-second watchdog").
const watchdog = 8 * time.Second

// Controller owns every component that must be torn down in order on
// process exit.
type Controller struct {
	Scheduler *scheduler.Scheduler
	Ping      *ping.Service
	Orch      *orchestrator.Orchestrator
	Agents    *agentregistry.Registry
	UIClose   func() // stops the UI broadcaster hub's Run loop
	DB        *gorm.DB
	HTTP      *http.Server
	Logger    *zap.Logger
}

// Run executes the shutdown sequence, returning once every step has either
// completed or the watchdog has fired. Errors from individual steps are
// logged, never returned — a best-effort drain beats a stuck process.
func (c *Controller) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, watchdog)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sequence(ctx)
	}()

	select {
	case <-done:
		c.Logger.Info("graceful shutdown complete")
	case <-ctx.Done():
		c.Logger.Warn("graceful shutdown watchdog expired, exiting anyway")
	}
}

func (c *Controller) sequence(ctx context.Context) {
	// 1. Unregister cron so no new scheduled run starts mid-drain.
	if err := c.Scheduler.Stop(); err != nil {
		c.Logger.Warn("shutdown: scheduler stop failed", zap.Error(err))
	}

	// 2. Stop the ping liveness timer.
	c.Ping.Stop()

	// 3. Close every agent socket. No backup:cancel frame is sent to running
	// jobs; a job still running is left to the orchestrator's disconnect
	// hook, which seals it failed when its agent's socket closes.
	_ = c.Orch.RunningCount()
	c.Agents.CloseAll()

	// 4. Close UI sockets.
	if c.UIClose != nil {
		c.UIClose()
	}

	// 5. Flush and close the database.
	if sqlDB, err := c.DB.DB(); err != nil {
		c.Logger.Warn("shutdown: failed to get sql.DB for close", zap.Error(err))
	} else {
		closeDB(sqlDB, c.Logger)
	}

	// 6. Close the HTTP listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.HTTP.Shutdown(shutdownCtx); err != nil {
		c.Logger.Warn("shutdown: http server shutdown failed", zap.Error(err))
	}
}

func closeDB(sqlDB *sql.DB, logger *zap.Logger) {
	if err := sqlDB.Close(); err != nil {
		logger.Warn("shutdown: db close failed", zap.Error(err))
	}
}
