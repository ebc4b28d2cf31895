package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/localplatform/backup-server/internal/db"
)

type gormSettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository returns a SettingRepository backed by the given *gorm.DB.
func NewSettingRepository(gdb *gorm.DB) SettingRepository {
	return &gormSettingRepository{db: gdb}
}

func (r *gormSettingRepository) Get(ctx context.Context, key string) (string, error) {
	var s db.Setting
	if err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return s.Value, nil
}

// Set upserts the key/value pair, used for e.g. the configurable storage
// root and global concurrency overrides persisted across restarts.
func (r *gormSettingRepository) Set(ctx context.Context, key, value string) error {
	s := db.Setting{Key: key, Value: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}
