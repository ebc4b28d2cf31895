// Package orchestrator owns per-job backup lifecycle: acquiring the layered
// concurrency semaphores, creating the Log/Version rows and on-disk version
// directory, dispatching backup:start to the agent registry, aggregating
// progress into throttled UI events, and sealing the run on every terminal
// transition in the state table from spec §4.6.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/eventbus"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/storage"
)

// wallClockCap aborts a run that has been executing for too long (spec
// §4.6: "1-hour wall-clock since acquire").
const wallClockCap = 1 * time.Hour

// defaultRetentionCount mirrors the Job.RetentionCount default — used only
// as a belt-and-suspenders floor if a row somehow carries a non-positive
// value.
const defaultRetentionCount = 7

// ErrNotRunning is returned by Cancel when jobID has no active run (spec
// §8: "cancel(j) on a non-running job is a no-op with 404").
var ErrNotRunning = errors.New("orchestrator: job is not running")

// Config carries the tunable concurrency limits, sourced from environment
// variables MAX_CONCURRENT_GLOBAL / MAX_CONCURRENT_PER_SERVER.
type Config struct {
	GlobalConcurrency    int64
	PerServerConcurrency int64
}

// RootProvider resolves the currently configured backup_root at call time,
// so a root relocation mid-run is picked up by the *next* job, not an
// in-flight one (an in-flight job already resolved its paths at start).
type RootProvider func(ctx context.Context) (string, error)

// runningJob is the in-memory record for a job currently occupying the job
// semaphore, from acceptance through terminal transition.
type runningJob struct {
	jobID    uuid.UUID
	serverID uuid.UUID

	job     *db.Job
	log     *db.Log
	version *db.Version

	timestamp string
	jobRoot   string
	progress  *progressState
	cancel    context.CancelFunc

	linkDestValue string
}

// Orchestrator is the per-job lifecycle engine described in spec §4.6.
type Orchestrator struct {
	jobs     repositories.JobRepository
	versions repositories.VersionRepository
	logs     repositories.LogRepository
	servers  repositories.ServerRepository

	registry *agentregistry.Registry
	bus      *eventbus.Hub
	root     RootProvider

	sem *semaphores

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob // keyed by job id

	logger *zap.Logger
}

// New constructs an Orchestrator and wires its agent-registry handlers.
func New(
	jobs repositories.JobRepository,
	versions repositories.VersionRepository,
	logs repositories.LogRepository,
	servers repositories.ServerRepository,
	registry *agentregistry.Registry,
	bus *eventbus.Hub,
	root RootProvider,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		jobs:     jobs,
		versions: versions,
		logs:     logs,
		servers:  servers,
		registry: registry,
		bus:      bus,
		root:     root,
		sem:      newSemaphores(cfg.GlobalConcurrency, cfg.PerServerConcurrency),
		running:  make(map[uuid.UUID]*runningJob),
		logger:   logger.Named("orchestrator"),
	}

	registry.On(agentregistry.MsgBackupProgress, o.handleProgress)
	registry.On(agentregistry.MsgBackupCompleted, o.handleCompleted)
	registry.On(agentregistry.MsgBackupFailed, o.handleFailed)
	registry.OnDisconnect(o.handleAgentDisconnect)

	return o
}

// IsRunning reports whether jobID currently occupies a running-job slot —
// the authoritative exclusion check the scheduler consults (spec §4.7),
// stronger than gocron's own singleton mode since it spans manual runs too.
func (o *Orchestrator) IsRunning(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// RunningCount returns the number of jobs currently occupying a running
// slot, for the /metrics gauge.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Start begins a run of job, or is a no-op if it is already running (spec
// §4.6 re-entrant guard, absorbing scheduler races). It returns once the
// run has been accepted; the transfer itself proceeds asynchronously.
func (o *Orchestrator) Start(ctx context.Context, jobID uuid.UUID, full bool) error {
	o.mu.Lock()
	if _, ok := o.running[jobID]; ok {
		o.mu.Unlock()
		return nil
	}
	// Reserve the slot immediately so a racing second Start call (e.g. a
	// scheduler tick firing just as the UI triggers a manual run) also
	// observes it as running before semaphore acquisition even begins.
	o.running[jobID] = &runningJob{jobID: jobID}
	o.mu.Unlock()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		o.forgetRunning(jobID)
		return fmt.Errorf("orchestrator: start: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), wallClockCap)

	o.mu.Lock()
	rj := o.running[jobID]
	rj.serverID = job.ServerID
	rj.cancel = cancel
	rj.progress = &progressState{}
	o.mu.Unlock()

	go o.run(runCtx, cancel, job, full, rj)
	return nil
}

// Cancel requests cancellation of a running job (spec §4.6 "Cancellation
// semantics"): it notifies the agent and immediately transitions the job to
// cancelled without waiting for acknowledgement. A later backup:completed
// for the same job is discarded by seal's running-map guard.
func (o *Orchestrator) Cancel(jobID uuid.UUID) error {
	o.mu.Lock()
	rj, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	o.registry.Send(rj.serverID.String(), agentregistry.MsgBackupCancel, agentregistry.BackupCancelPayload{
		JobID: jobID.String(),
	})
	o.sealWithCurrentProgress(jobID, "cancelled", "failed", "cancelled by user")
	return nil
}

// AcquireUploadSlot reserves one global and one per-server upload slot for
// serverID, blocking until both are available or ctx is cancelled (spec
// §4.6/§5: the layered semaphore model beneath the single job slot). Used by
// the file-upload HTTP handler, which runs outside any runningJob's own
// goroutine.
func (o *Orchestrator) AcquireUploadSlot(ctx context.Context, serverID string) error {
	return o.sem.acquireUploadSlot(ctx, serverID)
}

// ReleaseUploadSlot releases the slots reserved by AcquireUploadSlot.
func (o *Orchestrator) ReleaseUploadSlot(serverID string) {
	o.sem.releaseUploadSlot(serverID)
}

func (o *Orchestrator) forgetRunning(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}

// run performs the full lifecycle of one job execution. It is the body of
// the goroutine spawned by Start.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, job *db.Job, full bool, rj *runningJob) {
	defer cancel()
	log := o.logger.With(zap.String("job_id", job.ID.String()), zap.String("server_id", job.ServerID.String()))

	if err := o.sem.job.Acquire(ctx, 1); err != nil {
		log.Warn("failed to acquire job semaphore", zap.Error(err))
		o.forgetRunning(job.ID)
		return
	}
	defer o.sem.job.Release(1)

	if err := o.beginRun(ctx, job, full, rj, log); err != nil {
		log.Error("failed to begin run", zap.Error(err))
		o.forgetRunning(job.ID)
		return
	}

	// Dispatch to the agent. The run's terminal transition happens inside
	// handleCompleted/handleFailed/handleAgentDisconnect/Cancel, all of
	// which look the job up by id in o.running — NOT here — since those
	// events arrive asynchronously on the registry's read-loop goroutine.
	paths, _ := decodeRemotePaths(job.RemotePaths)
	start := agentregistry.BackupStartPayload{
		JobID: job.ID.String(),
		Paths: paths,
		Full:  full,
	}
	if rj.linkDest() != "" {
		start.LinkDest = rj.linkDest()
	}
	if !o.registry.Send(job.ServerID.String(), agentregistry.MsgBackupStart, start) {
		o.sealWithCurrentProgress(job.ID, "failed", "failed", "agent not connected")
		return
	}

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			o.sealWithCurrentProgress(job.ID, "failed", "failed", "timed out")
		}
	case <-waitSealed(o, job.ID):
	}
}

// beginRun creates the Log/Version rows and the on-disk version directory,
// resolves the link-dest dedup hint, writes the job manifest, and emits the
// "start" trio of UI events (spec §4.6 idle->running transition).
func (o *Orchestrator) beginRun(ctx context.Context, job *db.Job, full bool, rj *runningJob, log *zap.Logger) error {
	ts := storage.NewTimestamp(time.Now())
	versionDir, err := storage.EnsureVersionDir(job.LocalBasePath, ts)
	if err != nil {
		return fmt.Errorf("orchestrator: create version dir: %w", err)
	}

	linkDest := ""
	if !full {
		prev, err := o.versions.FindLatestCompleted(ctx, job.ID)
		switch {
		case err == nil:
			linkDest = prev.LocalPath
		case errors.Is(err, repositories.ErrNotFound):
			// No prior completed version — first backup, nothing to link from.
		default:
			log.Warn("failed to look up latest completed version for dedup", zap.Error(err))
		}
	}

	now := time.Now()
	logRow := &db.Log{JobID: job.ID, StartedAt: now, Status: "running"}
	if err := o.logs.Create(ctx, logRow); err != nil {
		return fmt.Errorf("orchestrator: create log: %w", err)
	}

	versionRow := &db.Version{
		JobID:     job.ID,
		LogID:     &logRow.ID,
		Timestamp: ts,
		LocalPath: versionDir,
		Status:    "running",
	}
	if err := o.versions.Create(ctx, versionRow); err != nil {
		return fmt.Errorf("orchestrator: create version: %w", err)
	}

	server, err := o.servers.GetByID(ctx, job.ServerID)
	if err != nil {
		return fmt.Errorf("orchestrator: load server: %w", err)
	}

	remotePaths, _ := decodeRemotePaths(job.RemotePaths)
	manifest := storage.JobManifest{CreatedAt: now, LastRunAt: &now}
	manifest.Server.Name = server.Name
	manifest.Server.Hostname = server.Hostname
	manifest.Server.Port = server.Port
	manifest.Job.ID = job.ID.String()
	manifest.Job.Name = job.Name
	manifest.Job.RemotePaths = remotePaths
	manifest.Agent.Enabled = true
	if err := storage.WriteJobManifest(job.LocalBasePath, manifest); err != nil {
		log.Warn("failed to write job manifest", zap.Error(err))
	}

	if err := o.jobs.UpdateStatus(ctx, job.ID, "running", &now); err != nil {
		log.Warn("failed to update job status to running", zap.Error(err))
	}

	o.mu.Lock()
	rj.job = job
	rj.log = logRow
	rj.version = versionRow
	rj.timestamp = ts
	rj.jobRoot = job.LocalBasePath
	rj.linkDestValue = linkDest
	o.mu.Unlock()

	jobTopic := "job:" + job.ID.String()
	o.bus.Publish(jobTopic, eventbus.Message{
		Type: eventbus.MsgBackupStarted,
		Payload: map[string]any{
			"job_id":     job.ID.String(),
			"version_id": versionRow.ID.String(),
			"timestamp":  ts,
		},
	})
	o.bus.Publish(jobTopic, eventbus.Message{
		Type:    eventbus.MsgJobUpdated,
		Payload: map[string]any{"job_id": job.ID.String(), "status": "running"},
	})
	o.bus.Publish(jobTopic, eventbus.Message{
		Type: eventbus.MsgVersionCreated,
		Payload: map[string]any{
			"job_id":     job.ID.String(),
			"version_id": versionRow.ID.String(),
			"timestamp":  ts,
		},
	})

	seed, _ := rj.progress.apply(agentProgress{}, true)
	seed.JobID = job.ID.String()
	o.bus.Publish(jobTopic, eventbus.Message{Type: eventbus.MsgBackupProgress, Payload: seed})

	return nil
}

// handleProgress is the registry handler for inbound backup:progress
// frames. It aggregates, throttles, and forwards to the UI broadcaster,
// and persists the running totals for crash-recovery visibility.
func (o *Orchestrator) handleProgress(_ string, env agentregistry.Envelope) {
	var in agentProgress
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return
	}
	jobID, err := uuid.Parse(in.JobID)
	if err != nil {
		return
	}

	o.mu.Lock()
	rj, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok || rj.progress == nil {
		return
	}

	ui, emit := rj.progress.apply(in, false)
	if !emit {
		return
	}
	ui.JobID = jobID.String()

	if rj.version != nil {
		if err := o.versions.UpdateProgress(context.Background(), rj.version.ID, in.BytesTransferred, in.FilesTransferred, in.TotalBytes); err != nil {
			o.logger.Warn("failed to persist progress", zap.String("job_id", in.JobID), zap.Error(err))
		}
	}

	o.bus.Publish("job:"+jobID.String(), eventbus.Message{Type: eventbus.MsgBackupProgress, Payload: ui})
}

type backupCompletedPayload struct {
	JobID      string `json:"job_id"`
	TotalBytes int64  `json:"total_bytes"`
}

type backupFailedPayload struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// handleCompleted is the registry handler for inbound backup:completed
// frames (spec §4.6 running->completed transition).
func (o *Orchestrator) handleCompleted(_ string, env agentregistry.Envelope) {
	var in backupCompletedPayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return
	}
	jobID, err := uuid.Parse(in.JobID)
	if err != nil {
		return
	}

	filesTransferred := int64(0)
	if rj := o.lookupRunning(jobID); rj != nil && rj.version != nil {
		filesTransferred = rj.version.FilesTransferred
	}
	o.seal(jobID, "completed", "completed", in.TotalBytes, filesTransferred, "")
}

// handleFailed is the registry handler for inbound backup:failed frames
// (spec §4.6 running->failed transition).
func (o *Orchestrator) handleFailed(_ string, env agentregistry.Envelope) {
	var in backupFailedPayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return
	}
	jobID, err := uuid.Parse(in.JobID)
	if err != nil {
		return
	}
	o.sealWithCurrentProgress(jobID, "failed", "failed", in.Error)
}

// handleAgentDisconnect fails every job currently running against
// serverID (spec §4.6 "agent socket drops" and §8 "within two seconds of
// detection"). Registered with the agent registry's disconnect hook.
func (o *Orchestrator) handleAgentDisconnect(serverID string) {
	o.mu.Lock()
	var affected []uuid.UUID
	for jobID, rj := range o.running {
		if rj.serverID.String() == serverID {
			affected = append(affected, jobID)
		}
	}
	o.mu.Unlock()

	for _, jobID := range affected {
		o.sealWithCurrentProgress(jobID, "failed", "failed", "agent disconnected during backup")
	}
}

func (o *Orchestrator) lookupRunning(jobID uuid.UUID) *runningJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[jobID]
}

// sealWithCurrentProgress seals jobID using whatever byte/file totals were
// last persisted for its version, for terminal transitions that do not
// carry their own totals (cancel, disconnect, timeout, agent-reported
// failure).
func (o *Orchestrator) sealWithCurrentProgress(jobID uuid.UUID, jobStatus, versionStatus, errMsg string) {
	var bytesTransferred, filesTransferred int64
	if rj := o.lookupRunning(jobID); rj != nil && rj.version != nil {
		if v, err := o.versions.GetByID(context.Background(), rj.version.ID); err == nil {
			bytesTransferred, filesTransferred = v.BytesTransferred, v.FilesTransferred
		}
	}
	o.seal(jobID, jobStatus, versionStatus, bytesTransferred, filesTransferred, errMsg)
}

// seal performs the single terminal transition allowed per run: it removes
// jobID from the running set (discarding any later duplicate terminal
// event per spec §4.6 "Cancellation semantics"), seals the Version and Log
// rows, promotes "current" and runs retention on a completed run, and
// broadcasts the terminal UI events.
func (o *Orchestrator) seal(jobID uuid.UUID, jobStatus, versionStatus string, bytesTransferred, filesTransferred int64, errMsg string) {
	o.mu.Lock()
	rj, ok := o.running[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.running, jobID)
	o.mu.Unlock()

	ctx := context.Background()
	log := o.logger.With(zap.String("job_id", jobID.String()), zap.String("status", jobStatus))

	if rj.version != nil {
		if err := o.versions.UpdateOnCompletion(ctx, rj.version.ID, versionStatus, bytesTransferred, filesTransferred); err != nil {
			log.Error("failed to seal version", zap.Error(err))
		}
	}

	now := time.Now()
	if rj.log != nil {
		rj.log.FinishedAt = &now
		rj.log.Status = jobStatus
		rj.log.BytesTotal = bytesTransferred
		rj.log.FilesTotal = filesTransferred
		rj.log.Error = errMsg
		if err := o.logs.Update(ctx, rj.log); err != nil {
			log.Error("failed to update log", zap.Error(err))
		}
	}

	if err := o.jobs.UpdateStatus(ctx, jobID, jobStatus, &now); err != nil {
		log.Error("failed to update job status", zap.Error(err))
	}

	if versionStatus == "completed" && rj.version != nil {
		if err := storage.WriteVersionManifest(rj.version.LocalPath, storage.VersionManifest{
			VersionID:        rj.version.ID.String(),
			Timestamp:        rj.timestamp,
			BytesTransferred: bytesTransferred,
			FilesTransferred: filesTransferred,
			Status:           versionStatus,
			CompletedAt:      now,
		}); err != nil {
			log.Warn("failed to write version manifest", zap.Error(err))
		}
		if err := storage.PromoteCurrent(rj.jobRoot, rj.timestamp); err != nil {
			log.Error("failed to promote current link", zap.Error(err))
		}
		if rj.job != nil {
			o.enforceRetention(ctx, rj.job, log)
		}
	}

	jobTopic := "job:" + jobID.String()
	payload := map[string]any{
		"job_id":            jobID.String(),
		"bytes_transferred": bytesTransferred,
		"files_transferred": filesTransferred,
	}
	if rj.version != nil {
		payload["version_id"] = rj.version.ID.String()
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}

	msgType := eventbus.MsgBackupCompleted
	switch jobStatus {
	case "failed":
		msgType = eventbus.MsgBackupFailed
	case "cancelled":
		msgType = eventbus.MsgBackupCancelled
	}
	o.bus.Publish(jobTopic, eventbus.Message{Type: msgType, Payload: payload})
	o.bus.Publish(jobTopic, eventbus.Message{
		Type:    eventbus.MsgJobUpdated,
		Payload: map[string]any{"job_id": jobID.String(), "status": jobStatus},
	})

	if versionStatus == "completed" && rj.progress != nil {
		final, _ := rj.progress.apply(agentProgress{
			BytesTransferred: bytesTransferred,
			TotalBytes:       bytesTransferred,
			FilesTransferred: filesTransferred,
		}, true)
		final.Percent = 100
		final.JobID = jobID.String()
		o.bus.Publish(jobTopic, eventbus.Message{Type: eventbus.MsgBackupProgress, Payload: final})
	}

	if rj.cancel != nil {
		rj.cancel()
	}
}

// enforceRetention deletes completed Version rows beyond job.RetentionCount
// (newest kept) and best-effort deletes their directories asynchronously
// (spec §4.5 "Retention").
func (o *Orchestrator) enforceRetention(ctx context.Context, job *db.Job, log *zap.Logger) {
	completed, err := o.versions.ListCompletedDescending(ctx, job.ID)
	if err != nil {
		log.Error("failed to list completed versions for retention", zap.Error(err))
		return
	}

	limit := job.RetentionCount
	if limit <= 0 {
		limit = defaultRetentionCount
	}
	if len(completed) <= limit {
		return
	}

	stale := completed[limit:]
	var timestamps []string
	for _, v := range stale {
		if err := o.versions.Delete(ctx, v.ID); err != nil {
			log.Error("failed to delete stale version row", zap.String("version_id", v.ID.String()), zap.Error(err))
			continue
		}
		timestamps = append(timestamps, v.Timestamp)
	}

	jobBasePath := job.LocalBasePath
	jobID := job.ID.String()
	go func() {
		for ts, err := range storage.PruneVersionDirs(jobBasePath, timestamps) {
			o.logger.Warn("best-effort version directory prune failed",
				zap.String("job_id", jobID), zap.String("timestamp", ts), zap.Error(err))
		}
	}()
}

// linkDest is read without a lock: it is set once inside beginRun, which
// run() always awaits before reading it, and never mutated afterward.
func (rj *runningJob) linkDest() string { return rj.linkDestValue }

// waitSealed returns a channel closed once jobID is no longer in the
// running set, for run() to block on after dispatch without polling on
// every tick of the caller's own goroutine.
func waitSealed(o *Orchestrator, jobID uuid.UUID) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if !o.IsRunning(jobID) {
				close(done)
				return
			}
		}
	}()
	return done
}

func decodeRemotePaths(encoded string) ([]string, error) {
	var paths []string
	if err := json.Unmarshal([]byte(encoded), &paths); err != nil {
		return nil, fmt.Errorf("orchestrator: decode remote paths: %w", err)
	}
	return paths, nil
}
