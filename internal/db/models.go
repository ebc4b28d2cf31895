// Package db holds the persisted entities for the backup controller and the
// connection/migration plumbing that brings them to life. Servers, Jobs,
// Versions, Logs and Settings are the only rows the controller owns — agent
// connections and pending RPCs are in-memory only and live in
// internal/agentregistry instead.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base is embedded by every persisted entity. ID uses UUIDv7 so rows sort
// chronologically by primary key without a separate created_at index scan.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUIDv7 if the caller did not already set one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server is a remote host under management. Slug derives from Name and seeds
// the host's storage subtree (internal/storage).
type Server struct {
	base
	Name      string `gorm:"not null;uniqueIndex"`
	Hostname  string `gorm:"not null"`
	Port      int    `gorm:"not null;default:22"`
	SSHUser   string `gorm:"not null"`
	Slug      string `gorm:"not null;uniqueIndex"`
	// AgentState is one of: disconnected, connected, updating, error.
	AgentState  string `gorm:"not null;default:'disconnected'"`
	AgentVersion string `gorm:"not null;default:''"`
	LastSeenAt  *time.Time
}

// -----------------------------------------------------------------------------
// Job
// -----------------------------------------------------------------------------

// Job is a backup specification bound to a Server. RemotePaths is a
// JSON-encoded []string (spec §9: "an encoded sequence of strings" — the
// source's dynamic-typing leakage, preserved here via encoding/json so
// decode(encode(x)) == x).
type Job struct {
	base
	ServerID       uuid.UUID `gorm:"type:text;not null;index"`
	Name           string    `gorm:"not null"`
	RemotePaths    string    `gorm:"type:text;not null"` // JSON array of absolute remote paths
	LocalBasePath  string    `gorm:"not null;uniqueIndex"`
	CronExpr       string    `gorm:"not null;default:''"`
	// Status is one of: idle, running, completed, failed, cancelled.
	Status         string `gorm:"not null;default:'idle'"`
	Enabled        bool   `gorm:"not null;default:true"`
	RetentionCount int    `gorm:"not null;default:7"`
	LastRunAt      *time.Time
}

// -----------------------------------------------------------------------------
// Version
// -----------------------------------------------------------------------------

// Version is one snapshot attempt for a Job. Timestamp is the lexicographically
// sortable "YYYY-MM-DD_HH-MM-SS" string that also names the on-disk directory.
type Version struct {
	base
	JobID             uuid.UUID  `gorm:"type:text;not null;index"`
	LogID             *uuid.UUID `gorm:"type:text;index"`
	Timestamp         string     `gorm:"not null;index"`
	LocalPath         string     `gorm:"not null"`
	Status            string     `gorm:"not null;default:'running'"` // running, completed, failed
	BytesTransferred  int64      `gorm:"not null;default:0"`
	FilesTransferred  int64      `gorm:"not null;default:0"`
	TotalBytes        int64      `gorm:"not null;default:0"`
	CompletedAt       *time.Time
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// Log is the per-run audit record for a Job, cascade-deleted with it.
type Log struct {
	base
	JobID      uuid.UUID `gorm:"type:text;not null;index"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	Status     string `gorm:"not null;default:'running'"`
	BytesTotal int64  `gorm:"not null;default:0"`
	FilesTotal int64  `gorm:"not null;default:0"`
	Output     string `gorm:"type:text;default:''"`
	Error      string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Setting
// -----------------------------------------------------------------------------

// Setting is the generic key-value store. "backup_root" is the only key the
// controller requires to be present before jobs can be created.
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}
