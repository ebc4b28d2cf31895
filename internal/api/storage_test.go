package api

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/repositories"
)

type storageTestFixture struct {
	handler  *StorageHandler
	settings repositories.SettingRepository
	jobs     repositories.JobRepository
	versions repositories.VersionRepository
	servers  repositories.ServerRepository
}

func newTestStorageHandler(t *testing.T) storageTestFixture {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	settings := repositories.NewSettingRepository(gdb)
	jobs := repositories.NewJobRepository(gdb)
	versions := repositories.NewVersionRepository(gdb)
	servers := repositories.NewServerRepository(gdb)

	return storageTestFixture{
		handler:  NewStorageHandler(settings, jobs, versions, servers, zap.NewNop()),
		settings: settings,
		jobs:     jobs,
		versions: versions,
		servers:  servers,
	}
}

func TestStorageHandler_GetSettings_Unset(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	f.handler.GetSettings(rec, httptest.NewRequest("GET", "/api/v1/storage/settings", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"backup_root":""`) {
		t.Errorf("body = %s, want empty backup_root", rec.Body.String())
	}
}

func TestStorageHandler_PutSettings_RequiresBody(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/v1/storage/settings", strings.NewReader(`{"backup_root":""}`))
	f.handler.PutSettings(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStorageHandler_PutSettings_RejectsRelativePath(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/v1/storage/settings", strings.NewReader(`{"backup_root":"relative/path"}`))
	f.handler.PutSettings(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStorageHandler_PutSettings_FirstTimeSet(t *testing.T) {
	f := newTestStorageHandler(t)
	root := filepath.Join(t.TempDir(), "backups")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/v1/storage/settings", strings.NewReader(`{"backup_root":"`+root+`"}`))
	f.handler.PutSettings(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	got, err := f.settings.Get(context.Background(), backupRootSettingKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != root {
		t.Errorf("stored backup_root = %q, want %q", got, root)
	}
}

func TestStorageHandler_Browse_NoRootConfigured(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	f.handler.Browse(rec, httptest.NewRequest("GET", "/api/v1/storage/browse", nil))

	if rec.Code != 422 {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestStorageHandler_BrowseVersion_RequiresVersionID(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	f.handler.BrowseVersion(rec, httptest.NewRequest("GET", "/api/v1/storage/browse-version", nil))

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStorageHandler_BrowseVersion_NotFound(t *testing.T) {
	f := newTestStorageHandler(t)
	id := "018f0000-aaaa-bbbb-cccc-000000000000"
	rec := httptest.NewRecorder()
	f.handler.BrowseVersion(rec, httptest.NewRequest("GET", "/api/v1/storage/browse-version?version_id="+id, nil))

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStorageHandler_DiskUsage_NoRootConfigured(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	f.handler.DiskUsage(rec, httptest.NewRequest("GET", "/api/v1/storage/disk-usage", nil))

	if rec.Code != 422 {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestStorageHandler_Hierarchy_Empty(t *testing.T) {
	f := newTestStorageHandler(t)
	rec := httptest.NewRecorder()
	f.handler.Hierarchy(rec, httptest.NewRequest("GET", "/api/v1/storage/hierarchy", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("body = %s, want an empty hierarchy", rec.Body.String())
	}
}

func TestStorageHandler_Hierarchy_AggregatesBytes(t *testing.T) {
	f := newTestStorageHandler(t)
	ctx := context.Background()

	srv := &db.Server{Name: "hier-host", Hostname: "hier.internal", SSHUser: "backup", Slug: "hier-host"}
	if err := f.servers.Create(ctx, srv); err != nil {
		t.Fatalf("Create() server error = %v", err)
	}
	job := &db.Job{ServerID: srv.ID, Name: "hier-job", RemotePaths: `["/etc"]`, LocalBasePath: t.TempDir()}
	if err := f.jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create() job error = %v", err)
	}
	v := &db.Version{JobID: job.ID, Timestamp: "2026-01-01_00-00-00", LocalPath: "v1", Status: "completed", BytesTransferred: 2048}
	if err := f.versions.Create(ctx, v); err != nil {
		t.Fatalf("Create() version error = %v", err)
	}

	rec := httptest.NewRecorder()
	f.handler.Hierarchy(rec, httptest.NewRequest("GET", "/api/v1/storage/hierarchy", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"bytes":2048`) {
		t.Errorf("body = %s, want aggregated bytes", rec.Body.String())
	}
}
