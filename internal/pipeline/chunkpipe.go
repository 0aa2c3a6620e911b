// Package pipeline wires the compression, encryption, and spool codec
// stages into the two public pipelines: Backup (compress → encrypt →
// split) and Restore (concatenate → decrypt → decompress). Stage
// topology generalizes a nested-wrapper chain (one layer wraps the
// next: compression wraps encryption wraps storage) from "wrap a
// storage backend" to "wrap a pipe stage" connected by bounded
// channels.
package pipeline

import (
	"context"
	"io"
	"sync"
)

// IOBuf is the chunk size the compressor stage reads from its input
// and the unit the bounded pipes between stages are sized in.
const IOBuf = 64 * 1024

// PipeCapacity is the number of IOBuf-sized chunks a chunkPipe buffers
// before Write blocks, applying backpressure from a slow downstream
// stage back to its producer. Sized at 4x IOBuf so a momentary stall in
// one stage doesn't immediately stall the one feeding it.
const PipeCapacity = 4

// chunkPipe is a bounded byte channel connecting two pipeline stages: a
// producer goroutine's Write and a consumer goroutine's Read rendezvous
// through a capacity-limited channel of byte slices, so a slow consumer
// applies backpressure all the way to the original input reader instead
// of the producer racing ahead and buffering unboundedly.
type chunkPipe struct {
	ch  chan []byte
	buf []byte

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newChunkPipe(capacity int) *chunkPipe {
	return &chunkPipe{ch: make(chan []byte, capacity)}
}

// write sends b downstream, copying it since the caller may reuse its
// buffer immediately after Write returns. It blocks until the
// consumer makes room or ctx is cancelled.
func (p *chunkPipe) write(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	cp := append([]byte(nil), b...)
	select {
	case p.ch <- cp:
		return len(b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// closeWithError signals end of stream to the consumer; a nil err
// means clean EOF, matching io.Pipe's CloseWithError semantics. Safe to
// call more than once; only the first call has effect.
func (p *chunkPipe) closeWithError(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.ch)
	})
}

func (p *chunkPipe) read(ctx context.Context, b []byte) (int, error) {
	if len(p.buf) == 0 {
		select {
		case chunk, ok := <-p.ch:
			if !ok {
				p.mu.Lock()
				err := p.err
				p.mu.Unlock()
				if err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
			p.buf = chunk
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// pipeWriter and pipeReader bind a chunkPipe to a context so it can be
// handed to ordinary io.Writer/io.Reader consumers like io.CopyBuffer
// and the codec/crypto stream wrappers, none of which know about
// context.Context.
type pipeWriter struct {
	p   *chunkPipe
	ctx context.Context
}

func (w pipeWriter) Write(b []byte) (int, error) { return w.p.write(w.ctx, b) }

type pipeReader struct {
	p   *chunkPipe
	ctx context.Context
}

func (r pipeReader) Read(b []byte) (int, error) { return r.p.read(r.ctx, b) }
