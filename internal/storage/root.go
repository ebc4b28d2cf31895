package storage

import (
	"fmt"
	"os"
)

// MoveRoot relocates the entire backup tree from oldRoot to newRoot. A
// single os.Rename is atomic on the same filesystem, which satisfies spec
// §6's "durable on success, no partial state on failure" requirement for
// the common case (new root on the same volume). Cross-device moves are
// rejected rather than silently falling back to a non-atomic copy+delete,
// since a failure partway through that fallback would violate the
// all-or-nothing guarantee; operators relocating across filesystems are
// expected to do so with the controller stopped and backup_root pointed at
// the new path directly.
func MoveRoot(oldRoot, newRoot string) error {
	if _, err := os.Stat(oldRoot); os.IsNotExist(err) {
		// Nothing on disk yet (fresh deployment) — just create the empty new
		// root.
		return os.MkdirAll(newRoot, 0o755)
	}
	if _, err := os.Stat(newRoot); err == nil {
		return fmt.Errorf("storage: move root: destination %s already exists", newRoot)
	}

	if err := os.Rename(oldRoot, newRoot); err != nil {
		return fmt.Errorf("storage: move root: %w", err)
	}
	return nil
}
