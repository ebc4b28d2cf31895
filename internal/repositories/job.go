package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/localplatform/backup-server/internal/db"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the given *gorm.DB.
func NewJobRepository(gdb *gorm.DB) JobRepository {
	return &gormJobRepository{db: gdb}
}

func (r *gormJobRepository) Create(ctx context.Context, j *db.Job) error {
	if err := r.db.WithContext(ctx).Create(j).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var j db.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &j, nil
}

func (r *gormJobRepository) Update(ctx context.Context, j *db.Job) error {
	result := r.db.WithContext(ctx).Save(j)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastRunAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if lastRunAt != nil {
		updates["last_run_at"] = *lastRunAt
	}
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByServer(ctx context.Context, serverID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by server: %w", err)
	}
	return jobs, nil
}

// ListEnabledWithCron returns every enabled job carrying a non-empty cron
// expression — the set the scheduler registers with gocron on boot. Later
// creates, updates and deletes reach the scheduler one job at a time through
// Schedule and Unschedule.
func (r *gormJobRepository) ListEnabledWithCron(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND cron_expr <> ''", true).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list enabled with cron: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) LocalPathExists(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("local_base_path = ?", path).Count(&count).Error; err != nil {
		return false, fmt.Errorf("jobs: local path exists: %w", err)
	}
	return count > 0, nil
}

// RewriteLocalPathPrefix replaces the oldRoot prefix of every job's
// local_base_path with newRoot. Used when the storage root directory is
// relocated (spec §6): the on-disk move happens out of band, this just
// keeps the database's recorded paths in sync inside a single transaction.
func (r *gormJobRepository) RewriteLocalPathPrefix(ctx context.Context, oldRoot, newRoot string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []db.Job
		if err := tx.Where("local_base_path LIKE ?", oldRoot+"%").Find(&jobs).Error; err != nil {
			return fmt.Errorf("jobs: rewrite prefix: select: %w", err)
		}
		for _, j := range jobs {
			rewritten := newRoot + j.LocalBasePath[len(oldRoot):]
			if err := tx.Model(&db.Job{}).Where("id = ?", j.ID).Update("local_base_path", rewritten).Error; err != nil {
				return fmt.Errorf("jobs: rewrite prefix: update %s: %w", j.ID, err)
			}
		}
		return nil
	})
}
