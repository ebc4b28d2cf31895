package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/localplatform/backup-server/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	return gdb
}

func newTestServer(t *testing.T, repo ServerRepository, name string) *db.Server {
	t.Helper()
	s := &db.Server{
		Name:     name,
		Hostname: name + ".internal",
		SSHUser:  "backup",
		Slug:     name,
	}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func TestServerRepository_CreateAndGet(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()

	created := newTestServer(t, repo, "db-01")
	if created.ID == uuid.Nil {
		t.Fatal("expected a generated UUID")
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "db-01" {
		t.Errorf("Name = %q, want db-01", got.Name)
	}
	if got.AgentState != "disconnected" {
		t.Errorf("AgentState default = %q, want disconnected", got.AgentState)
	}
}

func TestServerRepository_GetByID_NotFound(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))

	_, err := repo.GetByID(context.Background(), mustUUID(t))
	if err != ErrNotFound {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestServerRepository_UpdateAgentState(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()
	s := newTestServer(t, repo, "db-02")

	now := time.Now().UTC().Truncate(time.Second)
	if err := repo.UpdateAgentState(ctx, s.ID, "connected", "1.2.3", now); err != nil {
		t.Fatalf("UpdateAgentState() error = %v", err)
	}

	got, err := repo.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.AgentState != "connected" {
		t.Errorf("AgentState = %q, want connected", got.AgentState)
	}
	if got.AgentVersion != "1.2.3" {
		t.Errorf("AgentVersion = %q, want 1.2.3", got.AgentVersion)
	}
}

func TestServerRepository_UpdateAgentState_NotFound(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	err := repo.UpdateAgentState(context.Background(), mustUUID(t), "connected", "1.0", time.Now())
	if err != ErrNotFound {
		t.Errorf("UpdateAgentState() error = %v, want ErrNotFound", err)
	}
}

func TestServerRepository_Delete(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()
	s := newTestServer(t, repo, "db-03")

	if err := repo.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, s.ID); err != ErrNotFound {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
}

func TestServerRepository_List(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()
	newTestServer(t, repo, "db-a")
	newTestServer(t, repo, "db-b")

	servers, total, err := repo.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(servers) != 2 {
		t.Errorf("len(servers) = %d, want 2", len(servers))
	}
}

func TestServerRepository_SlugExists(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()
	newTestServer(t, repo, "db-unique")

	exists, err := repo.SlugExists(ctx, "db-unique")
	if err != nil {
		t.Fatalf("SlugExists() error = %v", err)
	}
	if !exists {
		t.Error("SlugExists() = false, want true")
	}

	exists, err = repo.SlugExists(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("SlugExists() error = %v", err)
	}
	if exists {
		t.Error("SlugExists() = true, want false")
	}
}

func TestJobRepository_ListEnabledWithCron(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "job-host")

	withCron := &db.Job{
		ServerID:      srv.ID,
		Name:          "nightly",
		RemotePaths:   `["/etc"]`,
		LocalBasePath: "/data/job-host/nightly",
		CronExpr:      "0 2 * * *",
		Enabled:       true,
	}
	if err := jobs.Create(ctx, withCron); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	disabled := &db.Job{
		ServerID:      srv.ID,
		Name:          "manual-only",
		RemotePaths:   `["/var"]`,
		LocalBasePath: "/data/job-host/manual-only",
		CronExpr:      "",
		Enabled:       true,
	}
	if err := jobs.Create(ctx, disabled); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := jobs.ListEnabledWithCron(ctx)
	if err != nil {
		t.Fatalf("ListEnabledWithCron() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Name != "nightly" {
		t.Errorf("got[0].Name = %q, want nightly", got[0].Name)
	}
}

func TestJobRepository_RewriteLocalPathPrefix(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "move-host")

	j := &db.Job{
		ServerID:      srv.ID,
		Name:          "job",
		RemotePaths:   `["/etc"]`,
		LocalBasePath: "/old-root/move-host/job",
	}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := jobs.RewriteLocalPathPrefix(ctx, "/old-root", "/new-root"); err != nil {
		t.Fatalf("RewriteLocalPathPrefix() error = %v", err)
	}

	got, err := jobs.GetByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.LocalBasePath != "/new-root/move-host/job" {
		t.Errorf("LocalBasePath = %q, want /new-root/move-host/job", got.LocalBasePath)
	}
}

func TestVersionRepository_FindRunningAndLatestCompleted(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	versions := NewVersionRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "ver-host")

	j := &db.Job{ServerID: srv.ID, Name: "job", RemotePaths: `["/etc"]`, LocalBasePath: "/data/ver-host/job"}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	completed := &db.Version{JobID: j.ID, Timestamp: "2026-01-01_00-00-00", LocalPath: "v1", Status: "completed"}
	if err := versions.Create(ctx, completed); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	running := &db.Version{JobID: j.ID, Timestamp: "2026-01-02_00-00-00", LocalPath: "v2", Status: "running"}
	if err := versions.Create(ctx, running); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	gotRunning, err := versions.FindRunning(ctx, j.ID)
	if err != nil {
		t.Fatalf("FindRunning() error = %v", err)
	}
	if gotRunning.ID != running.ID {
		t.Errorf("FindRunning() = %v, want %v", gotRunning.ID, running.ID)
	}

	gotLatest, err := versions.FindLatestCompleted(ctx, j.ID)
	if err != nil {
		t.Fatalf("FindLatestCompleted() error = %v", err)
	}
	if gotLatest.ID != completed.ID {
		t.Errorf("FindLatestCompleted() = %v, want %v", gotLatest.ID, completed.ID)
	}
}

func TestVersionRepository_FindRunning_NotFound(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	versions := NewVersionRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "idle-host")
	j := &db.Job{ServerID: srv.ID, Name: "job", RemotePaths: `["/etc"]`, LocalBasePath: "/data/idle-host/job"}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := versions.FindRunning(ctx, j.ID); err != ErrNotFound {
		t.Errorf("FindRunning() error = %v, want ErrNotFound", err)
	}
}

func TestVersionRepository_UpdateProgressAndCompletion(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	versions := NewVersionRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "progress-host")
	j := &db.Job{ServerID: srv.ID, Name: "job", RemotePaths: `["/etc"]`, LocalBasePath: "/data/progress-host/job"}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v := &db.Version{JobID: j.ID, Timestamp: "2026-01-01_00-00-00", LocalPath: "v1", Status: "running"}
	if err := versions.Create(ctx, v); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := versions.UpdateProgress(ctx, v.ID, 1024, 3, 4096); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	got, err := versions.GetByID(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.BytesTransferred != 1024 || got.FilesTransferred != 3 || got.TotalBytes != 4096 {
		t.Errorf("progress fields = %+v, want bytes=1024 files=3 total=4096", got)
	}

	if err := versions.UpdateOnCompletion(ctx, v.ID, "completed", 4096, 10); err != nil {
		t.Fatalf("UpdateOnCompletion() error = %v", err)
	}
	got, err = versions.GetByID(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set after completion")
	}
}

func TestVersionRepository_ListCompletedDescending(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	versions := NewVersionRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "retention-host")
	j := &db.Job{ServerID: srv.ID, Name: "job", RemotePaths: `["/etc"]`, LocalBasePath: "/data/retention-host/job"}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	timestamps := []string{"2026-01-01_00-00-00", "2026-01-03_00-00-00", "2026-01-02_00-00-00"}
	for _, ts := range timestamps {
		v := &db.Version{JobID: j.ID, Timestamp: ts, LocalPath: ts, Status: "completed"}
		if err := versions.Create(ctx, v); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := versions.ListCompletedDescending(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListCompletedDescending() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0].Timestamp != "2026-01-03_00-00-00" || got[2].Timestamp != "2026-01-01_00-00-00" {
		t.Errorf("not sorted descending: %v", []string{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
	}
}

func TestLogRepository_CreateAndListByJob(t *testing.T) {
	gdb := newTestDB(t)
	servers := NewServerRepository(gdb)
	jobs := NewJobRepository(gdb)
	logs := NewLogRepository(gdb)
	ctx := context.Background()
	srv := newTestServer(t, servers, "log-host")
	j := &db.Job{ServerID: srv.ID, Name: "job", RemotePaths: `["/etc"]`, LocalBasePath: "/data/log-host/job"}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	l := &db.Log{JobID: j.ID, StartedAt: time.Now(), Status: "running"}
	if err := logs.Create(ctx, l); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := logs.ListByJob(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("ListByJob() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}

	finished := time.Now()
	l.FinishedAt = &finished
	l.Status = "completed"
	if err := logs.Update(ctx, l); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err = logs.ListByJob(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("ListByJob() error = %v", err)
	}
	if got[0].Status != "completed" {
		t.Errorf("Status = %q, want completed", got[0].Status)
	}
}

func TestSettingRepository_SetAndGet(t *testing.T) {
	repo := NewSettingRepository(newTestDB(t))
	ctx := context.Background()

	if err := repo.Set(ctx, "backup_root", "/data"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := repo.Get(ctx, "backup_root")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "/data" {
		t.Errorf("Get() = %q, want /data", got)
	}

	// Set again to exercise the upsert path.
	if err := repo.Set(ctx, "backup_root", "/data2"); err != nil {
		t.Fatalf("Set() (update) error = %v", err)
	}
	got, err = repo.Get(ctx, "backup_root")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "/data2" {
		t.Errorf("Get() after update = %q, want /data2", got)
	}
}

func TestSettingRepository_Get_NotFound(t *testing.T) {
	repo := NewSettingRepository(newTestDB(t))
	if _, err := repo.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid.NewV7() error = %v", err)
	}
	return id
}
