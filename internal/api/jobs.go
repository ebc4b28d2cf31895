package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/orchestrator"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/scheduler"
	"github.com/localplatform/backup-server/internal/storage"
)

// fsBrowseTimeout bounds how long a remote-path validation RPC to the agent
// may take before it is treated as a failure.
const fsBrowseTimeout = 10 * time.Second

const backupRootSettingKey = "backup_root"

// JobHandler groups all job-related HTTP handlers.
type JobHandler struct {
	jobs         repositories.JobRepository
	servers      repositories.ServerRepository
	logs         repositories.LogRepository
	settings     repositories.SettingRepository
	registry     *agentregistry.Registry
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	logger       *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	jobs repositories.JobRepository,
	servers repositories.ServerRepository,
	logs repositories.LogRepository,
	settings repositories.SettingRepository,
	registry *agentregistry.Registry,
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		jobs:         jobs,
		servers:      servers,
		logs:         logs,
		settings:     settings,
		registry:     registry,
		orchestrator: orch,
		scheduler:    sched,
		logger:       logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type jobResponse struct {
	ID             string   `json:"id"`
	ServerID       string   `json:"server_id"`
	Name           string   `json:"name"`
	RemotePaths    []string `json:"remote_paths"`
	LocalBasePath  string   `json:"local_base_path"`
	CronExpr       string   `json:"cron_expr"`
	Status         string   `json:"status"`
	Enabled        bool     `json:"enabled"`
	RetentionCount int      `json:"retention_count"`
	LastRunAt      *string  `json:"last_run_at"`
	CreatedAt      string   `json:"created_at"`
}

func jobToResponse(j *db.Job) jobResponse {
	var paths []string
	_ = json.Unmarshal([]byte(j.RemotePaths), &paths)

	resp := jobResponse{
		ID:             j.ID.String(),
		ServerID:       j.ServerID.String(),
		Name:           j.Name,
		RemotePaths:    paths,
		LocalBasePath:  j.LocalBasePath,
		CronExpr:       j.CronExpr,
		Status:         j.Status,
		Enabled:        j.Enabled,
		RetentionCount: j.RetentionCount,
		CreatedAt:      j.CreatedAt.UTC().String(),
	}
	if j.LastRunAt != nil {
		v := j.LastRunAt.UTC().String()
		resp.LastRunAt = &v
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	jobs, total, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// createJobRequest is the JSON body expected by POST /api/v1/jobs.
type createJobRequest struct {
	ServerID       string   `json:"server_id"`
	Name           string   `json:"name"`
	RemotePaths    []string `json:"remote_paths"`
	CronExpr       string   `json:"cron_expr"`
	Enabled        *bool    `json:"enabled"`
	RetentionCount int      `json:"retention_count"`
}

// Create handles POST /api/v1/jobs. Requires a configured backup root,
// validates each remote path exists on the agent, allocates a unique local
// base path, persists the job, and schedules it if it carries a cron
// expression and is enabled (spec §6).
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.ServerID == "" {
		ErrBadRequest(w, "server_id and name are required")
		return
	}
	if len(req.RemotePaths) == 0 {
		ErrUnprocessable(w, "at least one remote path is required")
		return
	}

	serverID, err := uuid.Parse(req.ServerID)
	if err != nil {
		ErrBadRequest(w, "invalid server_id: must be a valid UUID")
		return
	}

	root, err := h.settings.Get(r.Context(), backupRootSettingKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) || root == "" {
			ErrBadRequest(w, "backup root is not configured")
			return
		}
		h.logger.Error("failed to load backup root setting", zap.Error(err))
		ErrInternal(w)
		return
	}
	if root == "" {
		ErrBadRequest(w, "backup root is not configured")
		return
	}

	server, err := h.servers.GetByID(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrBadRequest(w, "unknown server_id")
			return
		}
		h.logger.Error("failed to load server for job creation", zap.Error(err))
		ErrInternal(w)
		return
	}

	for _, p := range req.RemotePaths {
		if err := h.validateRemotePath(r.Context(), serverID.String(), p); err != nil {
			if errors.Is(err, agentregistry.ErrNotConnected) {
				ErrUnavailable(w, "agent not connected")
				return
			}
			ErrUnprocessable(w, err.Error())
			return
		}
	}

	jobSlug, err := storage.UniqueSlug(storage.Slug(req.Name), func(candidate string) (bool, error) {
		return h.jobs.LocalPathExists(r.Context(), storage.JobBasePath(root, server.Slug, candidate))
	})
	if err != nil {
		h.logger.Error("failed to allocate job slug", zap.Error(err))
		ErrInternal(w)
		return
	}
	localBasePath := storage.JobBasePath(root, server.Slug, jobSlug)

	encodedPaths, err := json.Marshal(req.RemotePaths)
	if err != nil {
		ErrInternal(w)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	retention := req.RetentionCount
	if retention <= 0 {
		retention = 7
	}

	job := &db.Job{
		ServerID:       serverID,
		Name:           req.Name,
		RemotePaths:    string(encodedPaths),
		LocalBasePath:  localBasePath,
		CronExpr:       req.CronExpr,
		Enabled:        enabled,
		RetentionCount: retention,
	}
	if err := h.jobs.Create(r.Context(), job); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a job with this local path already exists")
			return
		}
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.scheduler.Schedule(job); err != nil {
		h.logger.Warn("failed to schedule job after creation", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	Created(w, jobToResponse(job))
}

// updateJobRequest is the JSON body expected by PUT /api/v1/jobs/{id}.
type updateJobRequest struct {
	Name           string   `json:"name"`
	RemotePaths    []string `json:"remote_paths"`
	CronExpr       *string  `json:"cron_expr"`
	Enabled        *bool    `json:"enabled"`
	RetentionCount int      `json:"retention_count"`
}

// Update handles PUT /api/v1/jobs/{id}. Re-validates remote paths and, on a
// name change, re-allocates the local base path (spec §6).
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if len(req.RemotePaths) > 0 {
		for _, p := range req.RemotePaths {
			if err := h.validateRemotePath(r.Context(), job.ServerID.String(), p); err != nil {
				if errors.Is(err, agentregistry.ErrNotConnected) {
					ErrUnavailable(w, "agent not connected")
					return
				}
				ErrUnprocessable(w, err.Error())
				return
			}
		}
		encoded, err := json.Marshal(req.RemotePaths)
		if err != nil {
			ErrInternal(w)
			return
		}
		job.RemotePaths = string(encoded)
	}

	if req.Name != "" && req.Name != job.Name {
		root, err := h.settings.Get(r.Context(), backupRootSettingKey)
		if err != nil || root == "" {
			ErrUnprocessable(w, "backup root is not configured")
			return
		}
		server, err := h.servers.GetByID(r.Context(), job.ServerID)
		if err != nil {
			h.logger.Error("failed to load server for job rename", zap.Error(err))
			ErrInternal(w)
			return
		}
		jobSlug, err := storage.UniqueSlug(storage.Slug(req.Name), func(candidate string) (bool, error) {
			return h.jobs.LocalPathExists(r.Context(), storage.JobBasePath(root, server.Slug, candidate))
		})
		if err != nil {
			h.logger.Error("failed to allocate job slug on rename", zap.Error(err))
			ErrInternal(w)
			return
		}
		job.Name = req.Name
		job.LocalBasePath = storage.JobBasePath(root, server.Slug, jobSlug)
	}

	if req.CronExpr != nil {
		job.CronExpr = *req.CronExpr
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.RetentionCount > 0 {
		job.RetentionCount = req.RetentionCount
	}

	if err := h.jobs.Update(r.Context(), job); err != nil {
		h.logger.Error("failed to update job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.scheduler.Schedule(job); err != nil {
		h.logger.Warn("failed to reschedule job after update", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	Ok(w, jobToResponse(job))
}

// Delete handles DELETE /api/v1/jobs/{id}: cancels it if running, unschedules
// it, then deletes the row (logs/versions cascade at the database layer).
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if h.orchestrator.IsRunning(id) {
		_ = h.orchestrator.Cancel(id)
	}
	h.scheduler.Unschedule(id)

	if err := h.jobs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// runJobRequest is the JSON body expected by POST /api/v1/jobs/{id}/run.
type runJobRequest struct {
	Full *bool `json:"full"`
}

// Run handles POST /api/v1/jobs/{id}/run. Returns 409 if the job is already
// running (spec §6).
func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req runJobRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if h.orchestrator.IsRunning(id) {
		ErrConflict(w, "job is already running")
		return
	}

	full := req.Full != nil && *req.Full
	if err := h.orchestrator.Start(r.Context(), id, full); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to start job run", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Cancel handles POST /api/v1/jobs/{id}/cancel. Returns 404 if the job is
// not currently running (spec §6).
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.orchestrator.Cancel(id); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to cancel job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type logResponse struct {
	ID         string  `json:"id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Status     string  `json:"status"`
	BytesTotal int64   `json:"bytes_total"`
	FilesTotal int64   `json:"files_total"`
	Error      string  `json:"error"`
}

// GetLogs handles GET /api/v1/jobs/{id}/logs?limit=N. Default 50, newest
// first (spec §6).
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := h.logs.ListByJob(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list job logs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]logResponse, len(logs))
	for i, l := range logs {
		item := logResponse{
			ID:         l.ID.String(),
			StartedAt:  l.StartedAt.UTC().String(),
			Status:     l.Status,
			BytesTotal: l.BytesTotal,
			FilesTotal: l.FilesTotal,
			Error:      l.Error,
		}
		if l.FinishedAt != nil {
			v := l.FinishedAt.UTC().String()
			item.FinishedAt = &v
		}
		items[i] = item
	}
	Ok(w, items)
}

// validateRemotePath confirms path exists on the agent registered for
// serverID via the fs:browse RPC (spec §6 "validates each remote path via
// agent").
func (h *JobHandler) validateRemotePath(ctx context.Context, serverID, path string) error {
	reqCtx, cancel := context.WithTimeout(ctx, fsBrowseTimeout)
	defer cancel()

	raw, err := h.registry.Request(reqCtx, serverID, agentregistry.MsgFSBrowse, agentregistry.FSBrowsePayload{Path: path}, 0)
	if err != nil {
		return err
	}

	var result agentregistry.FSBrowseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode fs:browse reply: %w", err)
	}
	if !result.Exists {
		return fmt.Errorf("remote path does not exist: %s", path)
	}
	return nil
}
