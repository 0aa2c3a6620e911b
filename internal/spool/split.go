package spool

import (
	"fmt"
	"io"
	"os"
)

// Splitter is a io.WriteCloser that fans a single stream of bytes out
// across numbered fragment files, rolling over to the next fragment
// once the current one reaches maxFragmentSize. A write that straddles
// a boundary is split across two (or more) fragments rather than
// padded or rejected, per spec.md §4.2.
//
// Each fragment is written to a "<path>.tmp" sibling and atomically
// renamed into place once full (or once Close flushes the final,
// possibly short, fragment), the same robustWriter idiom the teacher
// uses in storage/disk.go to make a fragment's appearance under its
// final name an atomic, all-or-nothing event a concurrent watcher can
// trust.
type Splitter struct {
	cellDir         string
	maxFragmentSize int64

	index  int // last fragment number opened, 0 until the first write
	pos    int64
	total  int64
	file   *os.File
	tmpPath string
	failed bool
}

// NewSplitter returns a Splitter that writes numbered fragments into
// cellDir, each at most maxFragmentSize bytes.
func NewSplitter(cellDir string, maxFragmentSize int64) *Splitter {
	return &Splitter{cellDir: cellDir, maxFragmentSize: maxFragmentSize}
}

// Written returns the total number of bytes accepted by Write so far.
func (s *Splitter) Written() int64 { return s.total }

// FragmentCount returns how many numbered fragments (excluding the
// chunk.0 sentinel) have been opened so far.
func (s *Splitter) FragmentCount() int { return s.index }

func (s *Splitter) openNext() error {
	s.index++
	path := FragmentPath(s.cellDir, s.index)
	s.tmpPath = path + ".tmp"
	f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FragmentFileMode)
	if err != nil {
		s.failed = true
		return fmt.Errorf("spool: cannot create fragment %s: %w", path, err)
	}
	s.file = f
	s.pos = 0
	return nil
}

// rollCurrent fsyncs and renames the fragment currently open, if any,
// into its final name, making its appearance atomic to a watcher.
func (s *Splitter) rollCurrent() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.failed = true
		return fmt.Errorf("spool: fsync fragment %d: %w", s.index, err)
	}
	if err := s.file.Close(); err != nil {
		s.failed = true
		return fmt.Errorf("spool: close fragment %d: %w", s.index, err)
	}
	finalPath := FragmentPath(s.cellDir, s.index)
	if err := os.Rename(s.tmpPath, finalPath); err != nil {
		s.failed = true
		return fmt.Errorf("spool: rename fragment %d into place: %w", s.index, err)
	}
	s.file = nil
	return nil
}

// writeOnce writes buf, which the caller must already have bounded to
// fit within the remainder of the currently open fragment.
func (s *Splitter) writeOnce(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := s.file.Write(buf)
	s.pos += int64(n)
	s.total += int64(n)
	if err != nil {
		s.failed = true
		return n, fmt.Errorf("spool: write fragment %d: %w", s.index, err)
	}
	return n, nil
}

// Write implements io.Writer, splitting buf across fragment boundaries
// as needed so that no fragment ever exceeds maxFragmentSize. Rollover
// happens up front, before the remainder for this iteration is
// computed, so a fragment that has filled exactly never leaves buf
// un-consumed.
func (s *Splitter) Write(buf []byte) (int, error) {
	if s.failed {
		return 0, fmt.Errorf("spool: splitter previously failed, total=%d", s.total)
	}

	var written int
	for len(buf) > 0 {
		if s.file == nil || s.pos >= s.maxFragmentSize {
			if err := s.rollCurrent(); err != nil {
				return written, err
			}
			if err := s.openNext(); err != nil {
				return written, err
			}
		}
		remainder := s.maxFragmentSize - s.pos
		head := buf
		if int64(len(head)) > remainder {
			head = buf[:remainder]
		}
		n, err := s.writeOnce(head)
		written += n
		if err != nil {
			return written, err
		}
		buf = buf[n:]
	}
	return written, nil
}

// Close flushes and renames the final (possibly short) fragment, then
// writes the chunk.0 sentinel marking the archive complete. If no
// fragment was ever opened (empty input), Close itself opens an empty
// chunk.1 first, so the cell always ends up with chunk.1 + chunk.0.
func (s *Splitter) Close() error {
	if s.failed {
		return fmt.Errorf("spool: cannot close failed splitter, total=%d", s.total)
	}
	if s.index == 0 {
		if err := s.openNext(); err != nil {
			return err
		}
	}
	if err := s.rollCurrent(); err != nil {
		return err
	}
	sentinel, err := os.OpenFile(FragmentPath(s.cellDir, 0), os.O_WRONLY|os.O_CREATE|os.O_EXCL, FragmentFileMode)
	if err != nil {
		return fmt.Errorf("spool: cannot create sentinel: %w", err)
	}
	if err := sentinel.Sync(); err != nil {
		sentinel.Close()
		return fmt.Errorf("spool: fsync sentinel: %w", err)
	}
	return sentinel.Close()
}

var _ io.WriteCloser = (*Splitter)(nil)
