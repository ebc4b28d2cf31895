package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/storage"
)

// StorageHandler groups the storage-root configuration and browsing
// endpoints.
type StorageHandler struct {
	settings repositories.SettingRepository
	jobs     repositories.JobRepository
	versions repositories.VersionRepository
	servers  repositories.ServerRepository
	logger   *zap.Logger
}

// NewStorageHandler creates a new StorageHandler.
func NewStorageHandler(
	settings repositories.SettingRepository,
	jobs repositories.JobRepository,
	versions repositories.VersionRepository,
	servers repositories.ServerRepository,
	logger *zap.Logger,
) *StorageHandler {
	return &StorageHandler{
		settings: settings,
		jobs:     jobs,
		versions: versions,
		servers:  servers,
		logger:   logger.Named("storage_handler"),
	}
}

type settingsResponse struct {
	BackupRoot string `json:"backup_root"`
}

// GetSettings handles GET /api/v1/storage/settings.
func (h *StorageHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	root, err := h.settings.Get(r.Context(), backupRootSettingKey)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("failed to load backup root setting", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, settingsResponse{BackupRoot: root})
}

type putSettingsRequest struct {
	BackupRoot string `json:"backup_root"`
}

// PutSettings handles PUT /api/v1/storage/settings. On a root change it
// moves the on-disk tree (storage.MoveRoot) and rewrites every job's
// recorded local path before persisting the new setting, so a failure
// midway leaves the old root authoritative (spec §6 storage root move).
func (h *StorageHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req putSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BackupRoot == "" {
		ErrBadRequest(w, "backup_root is required")
		return
	}
	root := filepath.Clean(req.BackupRoot)
	if !filepath.IsAbs(root) {
		ErrBadRequest(w, "backup_root must be an absolute path")
		return
	}

	oldRoot, err := h.settings.Get(r.Context(), backupRootSettingKey)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("failed to load current backup root", zap.Error(err))
		ErrInternal(w)
		return
	}

	if oldRoot != "" && oldRoot != root {
		if err := storage.MoveRoot(oldRoot, root); err != nil {
			h.logger.Error("failed to move backup root", zap.String("old_root", oldRoot), zap.String("new_root", root), zap.Error(err))
			ErrUnprocessable(w, "failed to move storage root: "+err.Error())
			return
		}
		if err := h.jobs.RewriteLocalPathPrefix(r.Context(), oldRoot, root); err != nil {
			h.logger.Error("failed to rewrite job local paths after root move", zap.Error(err))
			ErrInternal(w)
			return
		}
	} else if oldRoot == "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			ErrUnprocessable(w, "failed to create storage root: "+err.Error())
			return
		}
	}

	if err := h.settings.Set(r.Context(), backupRootSettingKey, root); err != nil {
		h.logger.Error("failed to persist backup root setting", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, settingsResponse{BackupRoot: root})
}

type browseEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Browse handles GET /api/v1/storage/browse?path=... confined to the
// configured backup root (spec §4.5 path-escape safety).
func (h *StorageHandler) Browse(w http.ResponseWriter, r *http.Request) {
	root, err := h.settings.Get(r.Context(), backupRootSettingKey)
	if err != nil || root == "" {
		ErrUnprocessable(w, "backup root is not configured")
		return
	}
	h.browseUnder(w, root, r.URL.Query().Get("path"))
}

// BrowseVersion handles GET /api/v1/storage/browse-version?version_id=...&path=...
// confined to a single version's snapshot directory.
func (h *StorageHandler) BrowseVersion(w http.ResponseWriter, r *http.Request) {
	versionIDRaw := r.URL.Query().Get("version_id")
	if versionIDRaw == "" {
		ErrBadRequest(w, "version_id query parameter is required")
		return
	}
	versionID, ok := parseUUIDQuery(w, versionIDRaw, "version_id")
	if !ok {
		return
	}

	v, err := h.versions.GetByID(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get version for browse", zap.String("version_id", versionID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.browseUnder(w, v.LocalPath, r.URL.Query().Get("path"))
}

func (h *StorageHandler) browseUnder(w http.ResponseWriter, root, relative string) {
	resolved, err := storage.ResolveBrowsePath(root, relative)
	if err != nil {
		if errors.Is(err, storage.ErrPathEscape) {
			ErrForbidden(w, "path escapes the allowed root")
			return
		}
		h.logger.Error("failed to resolve browse path", zap.Error(err))
		ErrInternal(w)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to stat browse path", zap.String("path", resolved), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !info.IsDir() {
		Ok(w, browseEntry{Name: info.Name(), IsDir: false, Size: info.Size()})
		return
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		h.logger.Error("failed to read browse directory", zap.String("path", resolved), zap.Error(err))
		ErrInternal(w)
		return
	}

	entries := make([]browseEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, browseEntry{Name: de.Name(), IsDir: de.IsDir(), Size: fi.Size()})
	}
	Ok(w, entries)
}

type diskUsageResponse struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage handles GET /api/v1/storage/disk-usage — the volume underlying
// the configured backup root.
func (h *StorageHandler) DiskUsage(w http.ResponseWriter, r *http.Request) {
	root, err := h.settings.Get(r.Context(), backupRootSettingKey)
	if err != nil || root == "" {
		ErrUnprocessable(w, "backup root is not configured")
		return
	}

	usage, err := disk.UsageWithContext(r.Context(), root)
	if err != nil {
		h.logger.Error("failed to read disk usage", zap.String("path", root), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, diskUsageResponse{
		Total:       usage.Total,
		Used:        usage.Used,
		Available:   usage.Free,
		UsedPercent: usage.UsedPercent,
	})
}

type hierarchyVersion struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Bytes     int64  `json:"bytes"`
}

type hierarchyJob struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Bytes    int64              `json:"bytes"`
	Versions []hierarchyVersion `json:"versions"`
}

type hierarchyServer struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Bytes int64          `json:"bytes"`
	Jobs  []hierarchyJob `json:"jobs"`
}

// Hierarchy handles GET /api/v1/storage/hierarchy — an aggregated
// servers -> jobs -> versions tree with per-level byte totals, for the UI's
// storage explorer landing view.
func (h *StorageHandler) Hierarchy(w http.ResponseWriter, r *http.Request) {
	servers, _, err := h.servers.List(r.Context(), repositories.ListOptions{})
	if err != nil {
		h.logger.Error("failed to list servers for hierarchy", zap.Error(err))
		ErrInternal(w)
		return
	}

	result := make([]hierarchyServer, 0, len(servers))
	for _, s := range servers {
		jobs, err := h.jobs.ListByServer(r.Context(), s.ID)
		if err != nil {
			h.logger.Error("failed to list jobs for hierarchy", zap.String("server_id", s.ID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}

		hs := hierarchyServer{ID: s.ID.String(), Name: s.Name}
		for _, j := range jobs {
			versions, err := h.versions.ListCompletedDescending(r.Context(), j.ID)
			if err != nil {
				h.logger.Error("failed to list versions for hierarchy", zap.String("job_id", j.ID.String()), zap.Error(err))
				ErrInternal(w)
				return
			}

			hj := hierarchyJob{ID: j.ID.String(), Name: j.Name}
			for _, v := range versions {
				hj.Versions = append(hj.Versions, hierarchyVersion{
					ID:        v.ID.String(),
					Timestamp: v.Timestamp,
					Status:    v.Status,
					Bytes:     v.BytesTransferred,
				})
				hj.Bytes += v.BytesTransferred
			}
			hs.Jobs = append(hs.Jobs, hj)
			hs.Bytes += hj.Bytes
		}
		result = append(result, hs)
	}

	Ok(w, result)
}
