package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cryophile/cryophile/internal/cryoerr"
)

// WriteFragment atomically writes bytes as fragment n of cell: write to
// "chunk.N.tmp", fsync, rename to "chunk.N". Used by the thaw worker's
// downloader and by tests; the backup pipeline instead streams through
// Splitter, which performs the same write-temp-fsync-rename sequence
// incrementally.
func WriteFragment(cell string, n int, bytes []byte, maxFragmentSize int64) error {
	if int64(len(bytes)) > maxFragmentSize {
		return fmt.Errorf("%w: fragment %d is %d bytes, max %d", cryoerr.ErrFragmentOversize, n, len(bytes), maxFragmentSize)
	}
	path := FragmentPath(cell, n)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FragmentFileMode)
	if err != nil {
		return fmt.Errorf("spool: create %s: %w", tmp, err)
	}
	if _, err := f.Write(bytes); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spool: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spool: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spool: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("spool: rename %s into place: %w", tmp, err)
	}
	return nil
}

// Seal atomically creates the chunk.0 sentinel (zero bytes), making the
// cell visible to any watcher as complete.
func Seal(cell string) error {
	return WriteFragment(cell, 0, nil, 0)
}

// IsSealed reports whether chunk.0 is present in cell.
func IsSealed(cell string) bool {
	_, err := os.Stat(FragmentPath(cell, 0))
	return err == nil
}

// ListFragments returns the numerically sorted fragment indices present
// in cell, excluding the sentinel (index 0). Entries that don't parse
// as "chunk.<digits>" are ignored.
func ListFragments(cell string) ([]int, error) {
	entries, err := os.ReadDir(cell)
	if err != nil {
		return nil, fmt.Errorf("spool: list %s: %w", cell, err)
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := ParseFragmentIndex(e.Name())
		if !ok || n == 0 {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// ConsumeFragment deletes fragment n of cell, used after its remote
// handling (upload, or verified download) has completed successfully.
// Callers are responsible for deleting chunk.0 last, per spec.md §4.3's
// retirement order.
func ConsumeFragment(cell string, n int) error {
	if err := os.Remove(FragmentPath(cell, n)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: consume fragment %d: %w", n, err)
	}
	return nil
}

// RemoveCell removes the cell directory itself, once every fragment
// (sentinel included) has been consumed.
func RemoveCell(cell string) error {
	if err := os.Remove(cell); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: remove cell %s: %w", cell, err)
	}
	return nil
}

// CleanTemp removes any leftover "*.tmp" fragment files in cell, the
// cleanup a cancelled pipeline or worker performs on exit so a later
// run never mistakes a partial write for a complete fragment.
func CleanTemp(cell string) error {
	entries, err := os.ReadDir(cell)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("spool: clean temp in %s: %w", cell, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			if err := os.Remove(filepath.Join(cell, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("spool: remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
