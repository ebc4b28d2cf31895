package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/storage"
)

// VersionHandler groups all version-related HTTP handlers.
type VersionHandler struct {
	versions repositories.VersionRepository
	jobs     repositories.JobRepository
	logger   *zap.Logger
}

// NewVersionHandler creates a new VersionHandler.
func NewVersionHandler(versions repositories.VersionRepository, jobs repositories.JobRepository, logger *zap.Logger) *VersionHandler {
	return &VersionHandler{versions: versions, jobs: jobs, logger: logger.Named("version_handler")}
}

type versionResponse struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id"`
	LogID            *string `json:"log_id"`
	Timestamp        string  `json:"timestamp"`
	LocalPath        string  `json:"local_path"`
	Status           string  `json:"status"`
	BytesTransferred int64   `json:"bytes_transferred"`
	FilesTransferred int64   `json:"files_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	CompletedAt      *string `json:"completed_at"`
}

func versionToResponse(v *db.Version) versionResponse {
	resp := versionResponse{
		ID:               v.ID.String(),
		JobID:            v.JobID.String(),
		Timestamp:        v.Timestamp,
		LocalPath:        v.LocalPath,
		Status:           v.Status,
		BytesTransferred: v.BytesTransferred,
		FilesTransferred: v.FilesTransferred,
		TotalBytes:       v.TotalBytes,
	}
	if v.LogID != nil {
		id := v.LogID.String()
		resp.LogID = &id
	}
	if v.CompletedAt != nil {
		t := v.CompletedAt.UTC().String()
		resp.CompletedAt = &t
	}
	return resp
}

type listVersionsResponse struct {
	Items []versionResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/versions?job_id=...
func (h *VersionHandler) List(w http.ResponseWriter, r *http.Request) {
	jobIDRaw := r.URL.Query().Get("job_id")
	if jobIDRaw == "" {
		ErrBadRequest(w, "job_id query parameter is required")
		return
	}
	jobID, ok := parseUUIDQuery(w, jobIDRaw, "job_id")
	if !ok {
		return
	}

	opts := paginationOpts(r)
	versions, total, err := h.versions.ListByJob(r.Context(), jobID, opts)
	if err != nil {
		h.logger.Error("failed to list versions", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]versionResponse, len(versions))
	for i := range versions {
		items[i] = versionToResponse(&versions[i])
	}
	Ok(w, listVersionsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/versions/{id}.
func (h *VersionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	v, err := h.versions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get version", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, versionToResponse(v))
}

// Delete handles DELETE /api/v1/versions/{id}. The database row is deleted
// first; the on-disk snapshot directory is removed best-effort afterward
// (spec §7 "Best-effort" error class).
func (h *VersionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	v, err := h.versions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get version for delete", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), v.JobID)
	if err != nil {
		h.logger.Error("failed to get job for version delete", zap.String("job_id", v.JobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.versions.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete version row", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	jobBasePath := job.LocalBasePath
	timestamp := v.Timestamp
	go func() {
		for ts, err := range storage.PruneVersionDirs(jobBasePath, []string{timestamp}) {
			h.logger.Warn("best-effort version directory prune failed after manual delete",
				zap.String("version_id", id.String()), zap.String("timestamp", ts), zap.Error(err))
		}
	}()

	NoContent(w)
}

// DeleteByJob handles DELETE /api/v1/versions/by-job/{jobId} — used when
// clearing a job's history without deleting the job itself. Rows are
// removed first, directories pruned best-effort afterward.
func (h *VersionHandler) DeleteByJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUID(w, r, "jobId")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job for version bulk delete", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.versions.DeleteByJob(r.Context(), jobID); err != nil {
		h.logger.Error("failed to delete versions by job", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	jobBasePath := job.LocalBasePath
	go func() {
		if err := removeAllVersionsDir(jobBasePath); err != nil {
			h.logger.Warn("best-effort versions directory prune failed", zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}()

	NoContent(w)
}

func removeAllVersionsDir(jobBasePath string) error {
	return storage.RemoveVersionsDir(jobBasePath)
}

// DeleteByServer handles DELETE /api/v1/versions/by-server/{serverId} —
// clears every version across every job belonging to a server. Rows are
// removed first, directories pruned best-effort afterward per job.
func (h *VersionHandler) DeleteByServer(w http.ResponseWriter, r *http.Request) {
	serverID, ok := parseUUID(w, r, "serverId")
	if !ok {
		return
	}

	jobs, err := h.jobs.ListByServer(r.Context(), serverID)
	if err != nil {
		h.logger.Error("failed to list jobs for server version delete", zap.String("server_id", serverID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.versions.DeleteByServer(r.Context(), serverID); err != nil {
		h.logger.Error("failed to delete versions by server", zap.String("server_id", serverID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	paths := make([]string, len(jobs))
	for i, j := range jobs {
		paths[i] = j.LocalBasePath
	}
	go func() {
		for _, p := range paths {
			if err := removeAllVersionsDir(p); err != nil {
				h.logger.Warn("best-effort versions directory prune failed", zap.String("path", p), zap.Error(err))
			}
		}
	}()

	NoContent(w)
}
