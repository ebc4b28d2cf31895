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

type gormServerRepository struct {
	db *gorm.DB
}

// NewServerRepository returns a ServerRepository backed by the given *gorm.DB.
func NewServerRepository(gdb *gorm.DB) ServerRepository {
	return &gormServerRepository{db: gdb}
}

func (r *gormServerRepository) Create(ctx context.Context, s *db.Server) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("servers: create: %w", err)
	}
	return nil
}

func (r *gormServerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Server, error) {
	var s db.Server
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("servers: get by id: %w", err)
	}
	return &s, nil
}

func (r *gormServerRepository) Update(ctx context.Context, s *db.Server) error {
	result := r.db.WithContext(ctx).Save(s)
	if result.Error != nil {
		return fmt.Errorf("servers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentState updates only the agent_state, agent_version and
// last_seen_at columns — called on every registration and keep-alive tick,
// so a full row Save is avoided.
func (r *gormServerRepository) UpdateAgentState(ctx context.Context, id uuid.UUID, state, version string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"agent_state":   state,
			"agent_version": version,
			"last_seen_at":  lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("servers: update agent state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Server{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("servers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServerRepository) List(ctx context.Context, opts ListOptions) ([]db.Server, int64, error) {
	var servers []db.Server
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Server{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("servers: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&servers).Error; err != nil {
		return nil, 0, fmt.Errorf("servers: list: %w", err)
	}
	return servers, total, nil
}

func (r *gormServerRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Server{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return false, fmt.Errorf("servers: slug exists: %w", err)
	}
	return count > 0, nil
}
