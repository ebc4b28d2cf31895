package db

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SnapshotKeep is the number of rotating daily snapshots retained (spec §6:
// "data/backups/backup-server-YYYY-MM-DD.db (seven kept)").
const SnapshotKeep = 7

// SnapshotDir returns the directory rotating daily DB snapshots are written
// to, given the directory the live database file lives in.
func SnapshotDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// RunDailySnapshotLoop copies dbPath into SnapshotDir once per calendar day,
// pruning all but the SnapshotKeep most recent copies. It blocks until stop
// is closed, performing an initial snapshot immediately on start so a fresh
// deployment does not wait a full day for its first copy.
//
// A plain file copy is used rather than a database-specific hot-backup API:
// SQLite's single-writer, journal-mode-DELETE configuration guarantees no
// writer holds the file mid-transaction between ticks, and Postgres
// deployments are expected to snapshot via their own WAL-archiving tooling,
// so no pack library specializes in this concern — see DESIGN.md.
func RunDailySnapshotLoop(dbPath, dataDir string, logger *zap.Logger, stop <-chan struct{}) {
	log := logger.Named("db_snapshot")
	snapshotOnce(dbPath, dataDir, log)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshotOnce(dbPath, dataDir, log)
		case <-stop:
			return
		}
	}
}

func snapshotOnce(dbPath, dataDir string, log *zap.Logger) {
	if _, err := os.Stat(dbPath); err != nil {
		// Nothing to snapshot yet (e.g. Postgres deployment, or first boot
		// before the file is created).
		return
	}

	dir := SnapshotDir(dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("failed to create snapshot directory", zap.Error(err))
		return
	}

	name := fmt.Sprintf("backup-server-%s.db", time.Now().UTC().Format("2006-01-02"))
	dest := filepath.Join(dir, name)

	if err := copyFile(dbPath, dest); err != nil {
		log.Error("daily db snapshot failed", zap.Error(err))
		return
	}
	log.Info("daily db snapshot written", zap.String("path", dest))

	pruneOldSnapshots(dir, log)
}

func copyFile(src, dst string) error {
	tmp := dst + ".tmp"
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, dst)
}

func pruneOldSnapshots(dir string, log *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("failed to list snapshot directory for pruning", zap.Error(err))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup-server-") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // lexicographic == chronological for this naming scheme

	if len(names) <= SnapshotKeep {
		return
	}
	for _, n := range names[:len(names)-SnapshotKeep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			log.Warn("failed to prune old db snapshot", zap.String("file", n), zap.Error(err))
		}
	}
}
