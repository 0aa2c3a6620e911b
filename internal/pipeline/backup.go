package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/compression"
	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/spool"
)

// BackupOptions configures one call to Backup.
type BackupOptions struct {
	CellDir         string
	Recipients      openpgp.EntityList
	Codec           compression.Type
	MaxFragmentSize int64
	Logger          *clog.Logger
}

// Backup reads src to completion, compressing, then OpenPGP-encrypting,
// then splitting the result into numbered fragments under
// opts.CellDir, sealing the cell with chunk.0 once every fragment has
// been fsynced and renamed into place. It never returns a partially
// sealed cell: on any stage error, the cell is left with whatever
// fragments were already committed and no chunk.0, and the caller
// should leave the directory in place for diagnosis rather than
// delete it.
//
// The three logical stages (compress, encrypt, split) each run on
// their own goroutine connected by bounded chunkPipes, generalizing a
// nested-wrapper storage chain into a three-stage producer/consumer
// sandwich.
func Backup(ctx context.Context, src io.Reader, opts BackupOptions) error {
	log := opts.Logger
	if log == nil {
		log = clog.New(clog.LevelWarning, "auto")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src = newProgressReader(src, "backup: compressor input", log)

	c1 := newChunkPipe(PipeCapacity)
	c2 := newChunkPipe(PipeCapacity)

	splitter := spool.NewSplitter(opts.CellDir, opts.MaxFragmentSize)

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	// Compressor stage: reads src in IOBuf chunks, writes the
	// compressed stream into C1.
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := pipeWriter{c1, ctx}
		enc, err := compression.NewEncoder(opts.Codec, w)
		if err != nil {
			c1.closeWithError(err)
			errs <- fmt.Errorf("pipeline: compressor stage: %w", err)
			cancel()
			return
		}
		buf := make([]byte, IOBuf)
		_, copyErr := io.CopyBuffer(enc, src, buf)
		closeErr := enc.Close()
		finalErr := firstNonNil(copyErr, closeErr)
		c1.closeWithError(finalErr)
		if finalErr != nil {
			log.Warning("compressor stage: %s", finalErr)
			errs <- fmt.Errorf("pipeline: compressor stage: %w", finalErr)
			cancel()
		}
	}()

	// Encryptor stage: reads compressed bytes from C1, feeds an
	// OpenPGP streaming encryptor, emits ciphertext to C2. This is the
	// CPU-heavy blocking stage of the three.
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := pipeReader{c1, ctx}
		w := pipeWriter{c2, ctx}
		enc, err := crypto.NewEncryptor(w, opts.Recipients)
		if err != nil {
			c2.closeWithError(err)
			errs <- fmt.Errorf("pipeline: encryptor stage: %w", err)
			cancel()
			return
		}
		buf := make([]byte, IOBuf)
		_, copyErr := io.CopyBuffer(enc, r, buf)
		closeErr := enc.Close()
		finalErr := firstNonNil(copyErr, closeErr)
		c2.closeWithError(finalErr)
		if finalErr != nil {
			log.Warning("encryptor stage: %s", finalErr)
			errs <- fmt.Errorf("pipeline: encryptor stage: %w", finalErr)
			cancel()
		}
	}()

	// Splitter stage: reads ciphertext from C2, accumulates into
	// fragments via Splitter, and seals the cell on clean EOF.
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := pipeReader{c2, ctx}
		buf := make([]byte, IOBuf)
		_, copyErr := io.CopyBuffer(splitter, r, buf)
		if copyErr != nil {
			log.Warning("splitter stage: %s", copyErr)
			errs <- fmt.Errorf("pipeline: splitter stage: %w", copyErr)
			cancel()
			return
		}
		if err := splitter.Close(); err != nil {
			errs <- fmt.Errorf("pipeline: seal cell: %w", err)
			cancel()
			return
		}
		// spec.md §4.2: "An archive is never zero-fragment." Splitter.Close
		// always opens chunk.1 itself when nothing was ever written, so a
		// count of zero here means the splitter's own invariant broke.
		log.Check(splitter.FragmentCount() >= 1, "pipeline: sealed %s with zero fragments", opts.CellDir)
		log.Verbose("sealed cell %s: %d fragment(s), %s written", opts.CellDir, splitter.FragmentCount(), clog.FmtBytes(splitter.Written()))
	}()

	wg.Wait()
	close(errs)

	// On cancellation or failure, remove any partial *.tmp fragment so
	// a later run never mistakes it for a finished write; committed
	// fragments are kept in place for diagnosis.
	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		if cleanErr := spool.CleanTemp(opts.CellDir); cleanErr != nil {
			log.Warning("cleanup after failed backup: %s", cleanErr)
		}
		return firstErr
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
