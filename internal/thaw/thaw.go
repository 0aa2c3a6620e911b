// Package thaw implements the thaw worker. original_source's
// command/thaw.rs is an unimplemented stub (its perform_thaw is a
// TODO); this package builds the full five-step algorithm spec.md
// §4.4 describes — Enumerate, Initiate, Poll, Download, Seal — in the
// teacher's idiom, structurally mirroring the freeze worker's
// bounded-concurrency cell drain in reverse.
package thaw

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/objectstore"
	"github.com/cryophile/cryophile/internal/spool"
)

// Options configures one call to Run.
type Options struct {
	Root            string // spool root; the restore cell lives under Root/restore/...
	Client          objectstore.Remote
	ID              backupid.ID
	MaxFragmentSize int64
	MaxInflightDL   int
	PollMaxInterval time.Duration
	ThawDeadline    time.Duration
	RestoreDays     int32 // validity window requested for the temporary restored copy
	Logger          *clog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxInflightDL <= 0 {
		o.MaxInflightDL = 4
	}
	if o.PollMaxInterval <= 0 {
		o.PollMaxInterval = 5 * time.Minute
	}
	if o.ThawDeadline <= 0 {
		o.ThawDeadline = 24 * time.Hour
	}
	if o.RestoreDays <= 0 {
		o.RestoreDays = 1
	}
}

// Run transitions ID's remote objects from archival-cold to
// retrievable and downloads them into a restore cell, writing chunk.0
// locally only after every other fragment has been fully downloaded.
func Run(ctx context.Context, opts Options) error {
	opts.applyDefaults()
	log := opts.Logger
	if log == nil {
		log = clog.New(clog.LevelWarning, "auto")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ThawDeadline)
	defer cancel()

	keyPrefix := opts.ID.Path()

	// 1. Enumerate — verify the remote set is dense {0..K}.
	indices, err := enumerate(ctx, opts.Client, keyPrefix)
	if err != nil {
		return wrapThawTimeout(err)
	}

	cellDir, err := spool.OpenCell(opts.Root, spool.Restore, opts.ID, false)
	if err != nil {
		return err
	}

	// Resumability: skip any fragment already present locally with
	// matching remote size.
	attrsByIndex := map[int]objectstore.Attrs{}
	for _, n := range indices {
		key, err := opts.ID.ObjectKey(n)
		if err != nil {
			return err
		}
		attrs, err := opts.Client.Attributes(ctx, key)
		if err != nil {
			return wrapThawTimeout(err)
		}
		if !attrs.Exists {
			return fmt.Errorf("%w: %s vanished after enumeration", cryoerr.ErrArchiveIncomplete, key)
		}
		attrsByIndex[n] = attrs
	}

	var pending []int
	for _, n := range indices {
		if n == 0 {
			continue // the sentinel is always written locally last, never resumed from a partial download
		}
		if alreadyDownloaded(cellDir, n, attrsByIndex[n].Size) {
			log.Debug("thaw: %s chunk.%d already present, skipping", keyPrefix, n)
			continue
		}
		pending = append(pending, n)
	}

	// 2. Initiate — request a restore for every object whose storage
	// class requires one, tolerating one already in progress.
	for _, n := range pending {
		attrs := attrsByIndex[n]
		if !attrs.RequiresRestore() {
			continue
		}
		key, err := opts.ID.ObjectKey(n)
		if err != nil {
			return err
		}
		if err := opts.Client.InitiateRestore(ctx, key, opts.RestoreDays); err != nil {
			return wrapThawTimeout(err)
		}
	}

	// 3. Poll — wait for each pending object to become retrievable.
	for _, n := range pending {
		attrs := attrsByIndex[n]
		if !attrs.RequiresRestore() {
			continue
		}
		key, err := opts.ID.ObjectKey(n)
		if err != nil {
			return err
		}
		if err := pollUntilReady(ctx, opts.Client, key, opts.PollMaxInterval); err != nil {
			return err
		}
	}

	// 4. Download — stream each ready object to chunk.N.tmp, fsync,
	// rename, in parallel up to MaxInflightDL.
	sem := make(chan struct{}, opts.MaxInflightDL)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, n := range pending {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			key, err := opts.ID.ObjectKey(n)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			data, err := opts.Client.Get(ctx, key, 0, 0)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if err := spool.WriteFragment(cellDir, n, data, opts.MaxFragmentSize); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return wrapThawTimeout(firstErr)
	}

	// 5. Seal — write chunk.0 only now that every chunk.N≥1 is final.
	if err := spool.Seal(cellDir); err != nil {
		return wrapThawTimeout(err)
	}
	log.Verbose("thaw: sealed restore cell for %s", keyPrefix)
	return nil
}

// enumerate lists the remote objects under keyPrefix and verifies the
// set is exactly {0..K} with no gaps.
func enumerate(ctx context.Context, client objectstore.Remote, keyPrefix string) ([]int, error) {
	keys, err := client.List(ctx, keyPrefix+"/chunk.")
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, key := range keys {
		n, ok := spool.ParseFragmentIndex(path.Base(key))
		if !ok {
			continue
		}
		seen[n] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: no remote objects under %s", cryoerr.ErrArchiveIncomplete, keyPrefix)
	}
	maxIndex := 0
	for n := range seen {
		if n > maxIndex {
			maxIndex = n
		}
	}
	indices := make([]int, 0, maxIndex+1)
	for n := 0; n <= maxIndex; n++ {
		if !seen[n] {
			return nil, fmt.Errorf("%w: %s missing chunk.%d of %d", cryoerr.ErrArchiveIncomplete, keyPrefix, n, maxIndex)
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// alreadyDownloaded reports whether cellDir already has fragment n on
// disk with the exact remote size.
func alreadyDownloaded(cellDir string, n int, remoteSize int64) bool {
	fi, err := os.Stat(spool.FragmentPath(cellDir, n))
	if err != nil {
		return false
	}
	return fi.Size() == remoteSize
}

// pollUntilReady polls key's restore status with exponential backoff
// capped at maxInterval until it is ready or ctx is done (the caller
// bounds ctx to spec.md's THAW_DEADLINE).
func pollUntilReady(ctx context.Context, client objectstore.Remote, key string, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // ctx deadline governs the overall budget, not this backoff

	err := backoff.Retry(func() error {
		status, err := client.RestoreStatus(ctx, key)
		if err != nil {
			return err
		}
		if status.Ready {
			return nil
		}
		return fmt.Errorf("%s: restore still in progress", key)
	}, backoff.WithContext(b, ctx))
	return wrapThawTimeout(err)
}

// wrapThawTimeout turns the context.DeadlineExceeded that surfaces once
// Run's THAW_DEADLINE-bounded context expires into cryoerr.ErrThawTimeout,
// so it maps to spec.md §6's exit code 4 instead of the generic exit 1
// every other unrecognized error gets.
func wrapThawTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", cryoerr.ErrThawTimeout, err)
	}
	return err
}
