// Package spool implements the on-disk spool layout and fragment codec
// shared by the backup/restore pipelines and the freeze/thaw workers:
// directory conventions, fragment numbering, and the sentinel handshake.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/cryoerr"
)

// Queue names one of the two sibling spool subtrees spec.md §3
// describes. The freeze worker consumes Backup cells; the thaw worker
// produces and the restore pipeline consumes Restore cells — there is
// no separate staging tree for either worker, the worker's cell IS the
// backup or restore cell it drains or fills.
type Queue int

const (
	Backup Queue = iota
	Restore
)

func (q Queue) String() string {
	switch q {
	case Backup:
		return "backup"
	case Restore:
		return "restore"
	default:
		return "unknown"
	}
}

// CellDirMode and FragmentFileMode are the filesystem permissions
// spec.md §6 mandates for spool directories and fragment files.
const (
	CellDirMode      = 0o700
	FragmentFileMode = 0o600
)

// ValidatePrefix rejects absolute paths and ".." components outright;
// unlike backupid.canonicalRelativePath (used for display/URI strings),
// the prefix that actually becomes a spool directory must not silently
// resolve "..", because that could walk a cell outside of its vault.
func ValidatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	if filepath.IsAbs(prefix) {
		return "", fmt.Errorf("spool: prefix %q must not be absolute", prefix)
	}
	for _, part := range strings.Split(prefix, "/") {
		if part == ".." {
			return "", fmt.Errorf("spool: prefix %q must not contain a .. component", prefix)
		}
	}
	return prefix, nil
}

// QueuePath returns the directory for the given queue role and backup
// id, rooted at root: "<root>/<queue>/<vault>/<prefix>/<ulid>".
func QueuePath(root string, queue Queue, id backupid.ID) string {
	segs := append([]string{root, queue.String()}, id.PathSegments()...)
	return filepath.Join(segs...)
}

// OpenCell ensures the cell directory for id under the given queue
// exists, creating parent directories with CellDirMode. If
// failIfNonEmpty is set (used for the backup role, where two backups
// must never share a ULID) and the directory already contains entries,
// it returns ErrCellConflict.
func OpenCell(root string, queue Queue, id backupid.ID, failIfNonEmpty bool) (string, error) {
	dir := QueuePath(root, queue, id)
	if err := os.MkdirAll(filepath.Dir(dir), CellDirMode); err != nil {
		return "", fmt.Errorf("spool: cannot create parent of %s: %w", dir, err)
	}
	if err := os.Mkdir(dir, CellDirMode); err != nil {
		if !os.IsExist(err) {
			return "", fmt.Errorf("spool: cannot create cell %s: %w", dir, err)
		}
		if failIfNonEmpty {
			entries, rdErr := os.ReadDir(dir)
			if rdErr != nil {
				return "", fmt.Errorf("spool: cannot inspect existing cell %s: %w", dir, rdErr)
			}
			if len(entries) > 0 {
				return "", fmt.Errorf("%w: %s", cryoerr.ErrCellConflict, dir)
			}
		}
	}
	return dir, nil
}
