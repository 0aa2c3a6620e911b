// Package watch wraps fsnotify with the shutdown-sentinel-directory
// trick original_source/src/core/watch.rs uses: a throwaway directory
// is watched alongside the real ones purely so that writing a marker
// file into it wakes a blocked watch loop, giving a context-cancel
// something to select on even though fsnotify itself has no notion of
// cancellation.
package watch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a set of directories for fragment arrivals (Create,
// Write, Rename — a rename-into-place is how Splitter and the thaw
// downloader both publish a finished fragment) and separately watches
// its own shutdown sentinel directory.
type Watcher struct {
	fsw      *fsnotify.Watcher
	shutdown string // temp dir watched solely to unblock Events() on Stop
}

// New creates a Watcher observing each of dirs non-recursively (the
// spool layout never nests fragments under subdirectories a watcher
// needs to recurse into).
func New(dirs ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: new fsnotify watcher: %w", err)
	}

	shutdown, err := os.MkdirTemp("", "cryophile-watch-shutdown-*")
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: create shutdown sentinel dir: %w", err)
	}

	w := &Watcher{fsw: fsw, shutdown: shutdown}
	if err := fsw.Add(shutdown); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch: watch shutdown sentinel dir: %w", err)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

// Add begins watching an additional directory; New calls it for each
// directory it is given.
func (w *Watcher) Add(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: watch %s: %w", dir, err)
	}
	return nil
}

// Remove stops watching dir, leaving the shutdown sentinel directory
// and any other watched directories in place.
func (w *Watcher) Remove(dir string) error {
	if err := w.fsw.Remove(dir); err != nil {
		return fmt.Errorf("watch: unwatch %s: %w", dir, err)
	}
	return nil
}

// Events returns the underlying fsnotify event stream. Events naming a
// path under the shutdown sentinel directory should be ignored by the
// caller (Stop uses this as a wakeup, not a real fragment arrival).
func (w *Watcher) Events() <-chan fsnotify.Event { return w.fsw.Events }

// Errors returns the underlying fsnotify error stream.
func (w *Watcher) Errors() <-chan error { return w.fsw.Errors }

// IsSentinelEvent reports whether an event names a path under the
// shutdown sentinel directory rather than a real watched directory.
func (w *Watcher) IsSentinelEvent(ev fsnotify.Event) bool {
	rel, err := filepath.Rel(w.shutdown, ev.Name)
	return err == nil && rel != ".." && len(rel) > 0 && rel[0] != '.'
}

// Stop wakes any goroutine blocked reading Events() by writing a marker
// into the shutdown sentinel directory. It does not close the watcher;
// call Close for that once the caller's loop has observed the wakeup
// and exited.
func (w *Watcher) Stop() error {
	marker := filepath.Join(w.shutdown, "stop")
	f, err := os.Create(marker)
	if err != nil {
		return fmt.Errorf("watch: write shutdown marker: %w", err)
	}
	return f.Close()
}

// Close releases the underlying fsnotify watcher and removes the
// shutdown sentinel directory.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	os.RemoveAll(w.shutdown)
	if err != nil {
		return fmt.Errorf("watch: close: %w", err)
	}
	return nil
}
