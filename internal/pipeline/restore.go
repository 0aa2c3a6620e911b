package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/compression"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/spool"
	"github.com/cryophile/cryophile/internal/watch"
)

// WatchRebase is spec.md §5's periodic rescan interval: a fsnotify
// event stream is an optimization, not a correctness guarantee (events
// can be coalesced or dropped under pressure), so the concatenator
// re-lists the cell directory on this cadence regardless of what the
// watch reported.
const WatchRebase = 2 * time.Second

// RestoreOptions configures one call to Restore.
type RestoreOptions struct {
	CellDir       string
	SecretKeyring openpgp.EntityList
	Passphrase    []byte
	Codec         compression.Type
	// AutoDetect makes Restore ignore Codec and instead sniff the
	// decrypted stream's leading magic bytes to pick zstd, lz4, or
	// pass-through, for the case spec.md §9's open question (b)
	// describes: the caller was never told which codec the archive
	// used. Set when the CLI's --compression flag and every config
	// fallback were both absent, per original_source's
	// magic_decompressor.
	AutoDetect bool
	Logger     *clog.Logger
}

// Restore reads a (possibly still-filling) restore cell's fragments in
// strictly increasing order, concatenating their bytes, OpenPGP
// decrypting, and decompressing, writing the recovered plaintext to
// sink. It returns once chunk.0 has been observed and every fragment
// through chunk.K has been fully drained.
//
// Topology mirrors Backup: a concatenator stage (concatenatingReader)
// feeds an OpenPGP decryptor stage, which feeds a decompressor stage;
// unlike Backup's push pipeline, decrypt and decompress are both
// pull-style io.Reader wrappers in the ProtonMail/go-crypto and
// klauspost/compress APIs, so no intermediate chunkPipes are needed —
// the three stages are simply nested readers, a compressed-reader-wraps-
// encrypted-reader Read() chain, but in the decode direction.
func Restore(ctx context.Context, sink io.Writer, opts RestoreOptions) error {
	log := opts.Logger
	if log == nil {
		log = clog.New(clog.LevelWarning, "auto")
	}

	cr, err := newConcatenatingReader(ctx, opts.CellDir, log)
	if err != nil {
		return err
	}
	defer cr.Close()

	plain, err := crypto.NewDecryptor(cr, opts.SecretKeyring, opts.Passphrase)
	if err != nil {
		return err
	}

	var decompressed io.Reader
	if opts.AutoDetect {
		decompressed, err = compression.NewAutoDetectReader(plain)
	} else {
		decompressed, err = compression.NewDecoder(opts.Codec, plain)
	}
	if err != nil {
		return err
	}

	reported := newProgressReader(decompressed, "restore: plaintext output", log)
	if _, err := io.Copy(sink, reported); err != nil {
		return fmt.Errorf("pipeline: restore: %w", err)
	}
	return cr.err()
}

// concatenatingReader serves fragment bytes from a spool cell in
// strictly increasing chunk.N order, blocking on fragments that have
// not yet arrived. It bootstraps from a directory scan (for fragments
// already on disk, e.g. a prior run of thaw that got partway through)
// and then a filesystem watch for the rest, the same walk-then-watch
// resume pattern the freeze worker uses.
type concatenatingReader struct {
	cellDir string
	log     *clog.Logger

	paths  chan string
	errc   chan error
	cancel context.CancelFunc
	w      *watch.Watcher

	current *os.File
	lastErr error
}

func newConcatenatingReader(ctx context.Context, cellDir string, log *clog.Logger) (*concatenatingReader, error) {
	w, err := watch.New(cellDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: restore: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cr := &concatenatingReader{
		cellDir: cellDir,
		log:     log,
		paths:   make(chan string, 4),
		errc:    make(chan error, 1),
		cancel:  cancel,
		w:       w,
	}
	go cr.run(ctx)
	return cr, nil
}

func (cr *concatenatingReader) run(ctx context.Context) {
	defer close(cr.paths)

	queue := spool.NewFragmentQueue(cr.paths)

	if err := cr.rescan(queue); err != nil {
		cr.errc <- err
		return
	}
	if queue.SendZeroMaybe() {
		return
	}

	// Watch events are the fast path; the ticker is the spec's mandated
	// fallback for events fsnotify coalesces or drops under pressure
	// (spec.md §9, "Implementers must implement both paths").
	ticker := time.NewTicker(WatchRebase)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-cr.w.Events():
			if !ok {
				return
			}
			if cr.w.IsSentinelEvent(ev) {
				cr.errc <- cryoerr.ErrCancelled
				return
			}
			if err := queue.SendPath(ev.Name); err != nil {
				cr.errc <- err
				return
			}
			if queue.SendZeroMaybe() {
				return
			}
		case err, ok := <-cr.w.Errors():
			if !ok {
				return
			}
			cr.log.Warning("restore: watch error: %s", err)
		case <-ticker.C:
			if err := cr.rescan(queue); err != nil {
				cr.errc <- err
				return
			}
			if queue.SendZeroMaybe() {
				return
			}
		case <-ctx.Done():
			cr.errc <- ctx.Err()
			return
		}
	}
}

// rescan re-lists the cell directory and feeds every fragment found
// (plus the sentinel, if present) through queue, relying on Send's
// already-delivered/already-pending checks to make repeated calls
// idempotent.
func (cr *concatenatingReader) rescan(queue *spool.FragmentQueue) error {
	entries, err := spool.ListFragments(cr.cellDir)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrSpoolIO, err)
	}
	for _, n := range entries {
		if err := queue.Send(spool.Fragment{Index: n, Path: spool.FragmentPath(cr.cellDir, n)}); err != nil {
			return err
		}
	}
	if spool.IsSealed(cr.cellDir) {
		if err := queue.Send(spool.Fragment{Index: 0}); err != nil {
			return err
		}
	}
	return nil
}

// Read implements io.Reader, opening successive fragment files as
// needed and returning io.EOF once the sentinel has been observed and
// every prior fragment fully drained.
func (cr *concatenatingReader) Read(b []byte) (int, error) {
	for {
		if cr.current != nil {
			n, err := cr.current.Read(b)
			if err == io.EOF {
				cr.current.Close()
				cr.current = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		path, ok := <-cr.paths
		if !ok {
			select {
			case err := <-cr.errc:
				cr.lastErr = err
				return 0, err
			default:
				return 0, io.EOF
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("%w: open %s: %v", cryoerr.ErrFragmentMissing, path, err)
		}
		cr.current = f
	}
}

// err returns the terminal error observed by the background scan/watch
// goroutine, if any, after Read has returned io.EOF.
func (cr *concatenatingReader) err() error { return cr.lastErr }

// Close stops the background watch goroutine and releases its
// resources; it is safe to call even if Read was never called to
// completion.
func (cr *concatenatingReader) Close() error {
	cr.cancel()
	if cr.current != nil {
		cr.current.Close()
		cr.current = nil
	}
	return cr.w.Close()
}
