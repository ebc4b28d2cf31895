package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LinkUnchanged hard-links relativePath from the prior completed version
// root (linkDest) into the new version directory, creating any missing
// parent directories. Used by the file-upload handler when the agent
// reports a file as unchanged since linkDest rather than sending its bytes
// (spec §4.5 "Deduplication against prior version").
//
// Returns ErrNoLinkSource if linkDest is empty (full-backup mode, or no
// prior completed version exists) or the source file is absent — callers
// should fall back to requesting the full upload in that case.
func LinkUnchanged(linkDest, newVersionDir, relativePath string) error {
	if linkDest == "" {
		return ErrNoLinkSource
	}

	src := filepath.Join(linkDest, relativePath)
	if _, err := os.Stat(src); err != nil {
		return ErrNoLinkSource
	}

	dst := filepath.Join(newVersionDir, relativePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: create parent dirs for link: %w", err)
	}

	if err := os.Link(src, dst); err != nil {
		return fmt.Errorf("storage: hard link unchanged file: %w", err)
	}
	return nil
}

// ErrNoLinkSource is returned by LinkUnchanged when there is no eligible
// source file to link from.
var ErrNoLinkSource = fmt.Errorf("storage: no link-dest source available")
