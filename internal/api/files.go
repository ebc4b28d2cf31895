package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/metrics"
	"github.com/localplatform/backup-server/internal/orchestrator"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/storage"
)

// UploadHandler implements the agent -> controller file-upload protocol:
// a streaming POST carrying x-job-id/x-relative-path/x-total-size headers,
// optionally zstd-compressed on the wire, written beneath the job's active
// version directory under the layered upload-concurrency semaphore.
type UploadHandler struct {
	jobs         repositories.JobRepository
	versions     repositories.VersionRepository
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(jobs repositories.JobRepository, versions repositories.VersionRepository, orch *orchestrator.Orchestrator, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{jobs: jobs, versions: versions, orchestrator: orch, logger: logger.Named("upload_handler")}
}

// Upload handles POST /api/files/upload. Required headers: x-job-id (the owning
// job's UUID), x-relative-path (destination relative to the job's active
// version directory), x-total-size (expected byte count, verified on
// close). An optional content-encoding: zstd header indicates the body is
// zstd-compressed and must be decompressed while streaming to disk. An
// optional x-link-dest header names a file relative to the previous
// completed version's directory to hard-link from when the agent reports
// the file as unchanged, instead of sending its bytes again.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	jobIDRaw := r.Header.Get("x-job-id")
	relativePath := r.Header.Get("x-relative-path")
	totalSizeRaw := r.Header.Get("x-total-size")
	if jobIDRaw == "" || relativePath == "" || totalSizeRaw == "" {
		ErrBadRequest(w, "x-job-id, x-relative-path and x-total-size headers are required")
		return
	}

	jobID, ok := parseUUIDQuery(w, jobIDRaw, "x-job-id")
	if !ok {
		return
	}
	totalSize, err := strconv.ParseInt(totalSizeRaw, 10, 64)
	if err != nil || totalSize < 0 {
		ErrBadRequest(w, "x-total-size must be a non-negative integer")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load job for upload", zap.Error(err))
		ErrInternal(w)
		return
	}

	running, err := h.versions.FindRunning(r.Context(), jobID)
	if err != nil {
		ErrUnprocessable(w, "job has no run in progress to upload into")
		return
	}

	destPath, err := storage.ResolveBrowsePath(running.LocalPath, relativePath)
	if err != nil {
		if errors.Is(err, storage.ErrPathEscape) {
			ErrBadRequest(w, "x-relative-path escapes the version directory")
			return
		}
		ErrInternal(w)
		return
	}

	if err := h.orchestrator.AcquireUploadSlot(r.Context(), job.ServerID.String()); err != nil {
		ErrUnavailable(w, "upload slot acquisition cancelled")
		return
	}
	defer h.orchestrator.ReleaseUploadSlot(job.ServerID.String())

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		h.logger.Error("failed to create upload parent directory", zap.Error(err))
		ErrInternal(w)
		return
	}

	if linkDest := strings.TrimSpace(r.Header.Get("x-link-dest")); linkDest != "" {
		if err := storage.LinkUnchanged(linkDest, running.LocalPath, relativePath); err == nil {
			metrics.FilesUploadedTotal.Inc()
			NoContent(w)
			return
		} else if !errors.Is(err, storage.ErrNoLinkSource) {
			h.logger.Warn("hard-link dedup failed, falling back to full upload",
				zap.String("job_id", jobID.String()), zap.String("path", relativePath), zap.Error(err))
		}
	}

	written, err := h.writeBody(r, destPath)
	if err != nil {
		os.Remove(destPath)
		h.logger.Warn("upload failed", zap.String("job_id", jobID.String()), zap.String("path", relativePath), zap.Error(err))
		ErrInternal(w)
		return
	}
	if written != totalSize {
		os.Remove(destPath)
		ErrBadRequest(w, fmt.Sprintf("size mismatch: expected %d bytes, wrote %d", totalSize, written))
		return
	}

	metrics.FilesUploadedTotal.Inc()
	metrics.BytesUploadedTotal.Add(float64(written))

	NoContent(w)
}

// writeBody streams r.Body to destPath, transparently decompressing when
// content-encoding is zstd, and returns the number of decoded bytes written.
func (h *UploadHandler) writeBody(r *http.Request, destPath string) (int64, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create upload destination: %w", err)
	}
	defer f.Close()

	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("content-encoding"), "zstd") {
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return 0, fmt.Errorf("open zstd reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	return io.Copy(f, reader)
}
