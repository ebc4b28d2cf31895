package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/localplatform/backup-server/internal/db"
)

type gormLogRepository struct {
	db *gorm.DB
}

// NewLogRepository returns a LogRepository backed by the given *gorm.DB.
func NewLogRepository(gdb *gorm.DB) LogRepository {
	return &gormLogRepository{db: gdb}
}

func (r *gormLogRepository) Create(ctx context.Context, l *db.Log) error {
	if err := r.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("logs: create: %w", err)
	}
	return nil
}

func (r *gormLogRepository) Update(ctx context.Context, l *db.Log) error {
	result := r.db.WithContext(ctx).Save(l)
	if result.Error != nil {
		return fmt.Errorf("logs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormLogRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]db.Log, error) {
	var logs []db.Log
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("logs: list by job: %w", err)
	}
	return logs, nil
}
