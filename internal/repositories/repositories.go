package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/localplatform/backup-server/internal/db"
)

// ListOptions carries common pagination parameters for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// ServerRepository
// -----------------------------------------------------------------------------

type ServerRepository interface {
	Create(ctx context.Context, s *db.Server) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Server, error)
	Update(ctx context.Context, s *db.Server) error
	UpdateAgentState(ctx context.Context, id uuid.UUID, state, version string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Server, int64, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, j *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, j *db.Job) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastRunAt *time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByServer(ctx context.Context, serverID uuid.UUID) ([]db.Job, error)
	ListEnabledWithCron(ctx context.Context) ([]db.Job, error)
	LocalPathExists(ctx context.Context, path string) (bool, error)
	RewriteLocalPathPrefix(ctx context.Context, oldRoot, newRoot string) error
}

// -----------------------------------------------------------------------------
// VersionRepository
// -----------------------------------------------------------------------------

type VersionRepository interface {
	Create(ctx context.Context, v *db.Version) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Version, error)
	Update(ctx context.Context, v *db.Version) error
	UpdateProgress(ctx context.Context, id uuid.UUID, bytesTransferred, filesTransferred, totalBytes int64) error
	UpdateOnCompletion(ctx context.Context, id uuid.UUID, status string, bytesTransferred, filesTransferred int64) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByJob(ctx context.Context, jobID uuid.UUID) error
	DeleteByServer(ctx context.Context, serverID uuid.UUID) error
	ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Version, int64, error)
	FindLatestCompleted(ctx context.Context, jobID uuid.UUID) (*db.Version, error)
	FindRunning(ctx context.Context, jobID uuid.UUID) (*db.Version, error)
	ListCompletedDescending(ctx context.Context, jobID uuid.UUID) ([]db.Version, error)
}

// -----------------------------------------------------------------------------
// LogRepository
// -----------------------------------------------------------------------------

type LogRepository interface {
	Create(ctx context.Context, l *db.Log) error
	Update(ctx context.Context, l *db.Log) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]db.Log, error)
}

// -----------------------------------------------------------------------------
// SettingRepository
// -----------------------------------------------------------------------------

type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
