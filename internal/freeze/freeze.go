// Package freeze implements the freeze worker: it watches the backup/
// spool subtree, uploads each cell's fragments to the object store in
// vault/prefix/ulid/chunk.N order (sentinel last), and retires the
// local cell once the remote copy is confirmed complete.
//
// Concurrency is bounded the way a buffered chan struct{} bounds
// parallel reads elsewhere in this codebase: it acts as a semaphore,
// here at two levels — MaxInflightPerCell limits concurrent uploads
// within one cell, MaxParallelCells limits how many cells are drained
// at once across the whole worker.
package freeze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/objectstore"
	"github.com/cryophile/cryophile/internal/spool"
	"github.com/cryophile/cryophile/internal/watch"
)

// watchRebase is spec.md §5's periodic rescan interval: a fsnotify
// event stream is an optimization, not a correctness guarantee, so
// drainCell re-lists its cell directory on this cadence regardless of
// what the watch reported.
const watchRebase = 2 * time.Second

// Options configures a Worker.
type Options struct {
	Root               string // spool root; cells live under Root/backup/...
	Client             objectstore.Remote
	MaxInflightPerCell int
	MaxParallelCells   int
	MaxUploadAttempts  uint64
	Logger             *clog.Logger
}

// Worker drains backup cells to the object store.
type Worker struct {
	opts Options
	log  *clog.Logger
}

// New returns a Worker bootstrapped from opts, applying sensible
// defaults when the caller leaves a concurrency knob at its zero value.
func New(opts Options) *Worker {
	if opts.MaxInflightPerCell <= 0 {
		opts.MaxInflightPerCell = 4
	}
	if opts.MaxParallelCells <= 0 {
		opts.MaxParallelCells = 8
	}
	if opts.MaxUploadAttempts == 0 {
		opts.MaxUploadAttempts = 5
	}
	log := opts.Logger
	if log == nil {
		log = clog.New(clog.LevelWarning, "auto")
	}
	return &Worker{opts: opts, log: log}
}

// Run walks Root/backup for existing cells (Discovered), kicks off
// draining each concurrently (bounded by MaxParallelCells), and
// continues watching for new cells until ctx is cancelled. A single
// broken cell logs and is skipped; it never blocks the others, per
// spec.md §7.
func (w *Worker) Run(ctx context.Context) error {
	backupRoot := filepath.Join(w.opts.Root, spool.Backup.String())
	if err := os.MkdirAll(backupRoot, spool.CellDirMode); err != nil {
		return fmt.Errorf("%w: create %s: %v", cryoerr.ErrSpoolIO, backupRoot, err)
	}

	cellSem := make(chan struct{}, w.opts.MaxParallelCells)
	var wg sync.WaitGroup
	seen := map[string]bool{}

	drain := func(cellDir string) {
		if seen[cellDir] {
			return
		}
		seen[cellDir] = true
		wg.Add(1)
		cellSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-cellSem }()
			if err := w.drainCell(ctx, backupRoot, cellDir); err != nil {
				w.log.Error("freeze: cell %s: %s", cellDir, err)
			}
		}()
	}

	cells, err := findCells(backupRoot)
	if err != nil {
		return fmt.Errorf("%w: walk %s: %v", cryoerr.ErrSpoolIO, backupRoot, err)
	}
	for _, cell := range cells {
		drain(cell)
	}
	rescan := func() {
		cells, _ := findCells(backupRoot)
		for _, cell := range cells {
			drain(cell)
		}
	}

	rootWatcher, err := watch.New(backupRoot)
	if err != nil {
		return err
	}
	defer rootWatcher.Close()
	ticker := time.NewTicker(watchRebase)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-rootWatcher.Events():
			if !ok {
				wg.Wait()
				return nil
			}
			if rootWatcher.IsSentinelEvent(ev) {
				wg.Wait()
				return nil
			}
			rescan()
		case err, ok := <-rootWatcher.Errors():
			if !ok {
				wg.Wait()
				return nil
			}
			w.log.Warning("freeze: watch error: %s", err)
		case <-ticker.C:
			rescan()
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
	}
}

// findCells returns every leaf directory under backupRoot that
// contains at least one chunk file — a cell, in spool.OpenCell's
// sense — regardless of how deep it sits under the vault/prefix tree.
func findCells(backupRoot string) ([]string, error) {
	var cells []string
	err := filepath.WalkDir(backupRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // ignore unreadable entries, matching the original walker's tolerance
		}
		if path == backupRoot || !d.IsDir() {
			return nil
		}
		entries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil
		}
		for _, e := range entries {
			if _, ok := spool.ParseFragmentIndex(e.Name()); ok {
				cells = append(cells, path)
				break
			}
		}
		return nil
	})
	return cells, err
}

// drainCell runs the Discovered → Draining → Sealed-seen → Retired
// state machine for one cell.
func (w *Worker) drainCell(ctx context.Context, backupRoot, cellDir string) error {
	keyPrefix, err := filepath.Rel(backupRoot, cellDir)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrSpoolIO, err)
	}
	keyPrefix = filepath.ToSlash(keyPrefix)

	cellWatcher, err := watch.New(cellDir)
	if err != nil {
		return err
	}
	defer cellWatcher.Close()

	sem := make(chan struct{}, w.opts.MaxInflightPerCell)
	var wg sync.WaitGroup
	var mu sync.Mutex
	started := map[int]bool{} // fragments already uploading or uploaded, so a rescan re-listing the same file doesn't double-upload it
	uploaded := map[int]bool{}
	var firstErr error

	upload := func(n int) {
		mu.Lock()
		if started[n] {
			mu.Unlock()
			return
		}
		started[n] = true
		mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.uploadFragment(ctx, cellDir, keyPrefix, n); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				started[n] = false
				mu.Unlock()
				return
			}
			mu.Lock()
			uploaded[n] = true
			mu.Unlock()
		}()
	}

	// Discovered: enumerate what's already on disk.
	existing, err := spool.ListFragments(cellDir)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrSpoolIO, err)
	}
	for _, n := range existing {
		upload(n)
	}

	// Draining: keep uploading fragments as fsnotify reports them,
	// until the sentinel appears. The ticker is the spec's mandated
	// fallback rescan for watch events fsnotify coalesces or drops
	// under pressure (spec.md §9, "Implementers must implement both
	// paths"): it re-lists the cell on watchRebase regardless of what
	// the watch reported.
	ticker := time.NewTicker(watchRebase)
	defer ticker.Stop()

	sealed := spool.IsSealed(cellDir)
watchLoop:
	for !sealed {
		select {
		case ev, ok := <-cellWatcher.Events():
			if !ok {
				break watchLoop
			}
			if cellWatcher.IsSentinelEvent(ev) {
				return cryoerr.ErrCancelled
			}
			n, ok := spool.ParseFragmentIndex(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if n == 0 {
				sealed = true
				break watchLoop
			}
			upload(n)
		case err, ok := <-cellWatcher.Errors():
			if !ok {
				break watchLoop
			}
			w.log.Warning("freeze: watch error in %s: %s", cellDir, err)
		case <-ticker.C:
			rescanned, err := spool.ListFragments(cellDir)
			if err != nil {
				return fmt.Errorf("%w: %v", cryoerr.ErrSpoolIO, err)
			}
			for _, n := range rescanned {
				upload(n)
			}
			if spool.IsSealed(cellDir) {
				sealed = true
				break watchLoop
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	// Sealed-seen: a fragment can land between the initial scan and
	// the sentinel without a watch event being observed for it (lost
	// race, coalesced events); re-list and catch up before trusting
	// the fragment count.
	final, err := spool.ListFragments(cellDir)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrSpoolIO, err)
	}
	for _, n := range final {
		mu.Lock()
		done := uploaded[n]
		mu.Unlock()
		if !done {
			upload(n)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	sentinelKey := keyPrefix + "/chunk.0"
	if err := w.opts.Client.Put(ctx, sentinelKey, nil, w.opts.MaxUploadAttempts); err != nil {
		return err
	}
	w.log.Verbose("freeze: sealed remote archive for %s", keyPrefix)

	// Retired: delete local fragments chunk.K…chunk.1, then chunk.0,
	// then the cell directory, in that order.
	sort.Sort(sort.Reverse(sort.IntSlice(final)))
	for _, n := range final {
		if err := spool.ConsumeFragment(cellDir, n); err != nil {
			return err
		}
	}
	if err := spool.ConsumeFragment(cellDir, 0); err != nil {
		return err
	}
	return spool.RemoveCell(cellDir)
}

func (w *Worker) uploadFragment(ctx context.Context, cellDir, keyPrefix string, n int) error {
	path := spool.FragmentPath(cellDir, n)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", cryoerr.ErrFragmentMissing, path, err)
	}
	key := fmt.Sprintf("%s/chunk.%d", keyPrefix, n)
	return w.opts.Client.Put(ctx, key, data, w.opts.MaxUploadAttempts)
}
