package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/localplatform/backup-server/internal/db"
)

type gormVersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository returns a VersionRepository backed by the given *gorm.DB.
func NewVersionRepository(gdb *gorm.DB) VersionRepository {
	return &gormVersionRepository{db: gdb}
}

func (r *gormVersionRepository) Create(ctx context.Context, v *db.Version) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("versions: create: %w", err)
	}
	return nil
}

func (r *gormVersionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Version, error) {
	var v db.Version
	if err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("versions: get by id: %w", err)
	}
	return &v, nil
}

func (r *gormVersionRepository) Update(ctx context.Context, v *db.Version) error {
	result := r.db.WithContext(ctx).Save(v)
	if result.Error != nil {
		return fmt.Errorf("versions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress is called on every throttled progress tick from the
// orchestrator — a narrow column update keeps this off the hot path of a
// full row Save under heavy concurrent job load.
func (r *gormVersionRepository) UpdateProgress(ctx context.Context, id uuid.UUID, bytesTransferred, filesTransferred, totalBytes int64) error {
	result := r.db.WithContext(ctx).Model(&db.Version{}).Where("id = ?", id).Updates(map[string]interface{}{
		"bytes_transferred": bytesTransferred,
		"files_transferred": filesTransferred,
		"total_bytes":       totalBytes,
	})
	if result.Error != nil {
		return fmt.Errorf("versions: update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormVersionRepository) UpdateOnCompletion(ctx context.Context, id uuid.UUID, status string, bytesTransferred, filesTransferred int64) error {
	result := r.db.WithContext(ctx).Model(&db.Version{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":            status,
		"bytes_transferred": bytesTransferred,
		"files_transferred": filesTransferred,
		"completed_at":      gorm.Expr("CURRENT_TIMESTAMP"),
	})
	if result.Error != nil {
		return fmt.Errorf("versions: update on completion: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormVersionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Version{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("versions: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormVersionRepository) DeleteByJob(ctx context.Context, jobID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&db.Version{}).Error; err != nil {
		return fmt.Errorf("versions: delete by job: %w", err)
	}
	return nil
}

func (r *gormVersionRepository) DeleteByServer(ctx context.Context, serverID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("job_id IN (SELECT id FROM jobs WHERE server_id = ?)", serverID).
		Delete(&db.Version{}).Error; err != nil {
		return fmt.Errorf("versions: delete by server: %w", err)
	}
	return nil
}

func (r *gormVersionRepository) ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Version, int64, error) {
	var versions []db.Version
	var total int64

	base := r.db.WithContext(ctx).Model(&db.Version{}).Where("job_id = ?", jobID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("versions: list by job count: %w", err)
	}

	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("timestamp DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&versions).Error; err != nil {
		return nil, 0, fmt.Errorf("versions: list by job: %w", err)
	}
	return versions, total, nil
}

// FindLatestCompleted returns the most recent completed version of a job,
// used by the orchestrator to locate the hard-link dedup source for the
// next run.
func (r *gormVersionRepository) FindLatestCompleted(ctx context.Context, jobID uuid.UUID) (*db.Version, error) {
	var v db.Version
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "completed").
		Order("timestamp DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("versions: find latest completed: %w", err)
	}
	return &v, nil
}

// FindRunning returns job's currently in-flight version row, the
// destination the upload endpoint writes into while a run is active.
func (r *gormVersionRepository) FindRunning(ctx context.Context, jobID uuid.UUID) (*db.Version, error) {
	var v db.Version
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "running").
		Order("timestamp DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("versions: find running: %w", err)
	}
	return &v, nil
}

// ListCompletedDescending returns every completed version of a job newest
// first, for the retention policy to trim the tail beyond RetentionCount.
func (r *gormVersionRepository) ListCompletedDescending(ctx context.Context, jobID uuid.UUID) ([]db.Version, error) {
	var versions []db.Version
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "completed").
		Order("timestamp DESC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("versions: list completed descending: %w", err)
	}
	return versions, nil
}
