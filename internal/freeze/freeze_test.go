package freeze

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/objectstore"
	"github.com/cryophile/cryophile/internal/spool"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// fakeRemote is a minimal in-memory objectstore.Remote, the same
// substitution thaw's tests make for Run.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: map[string][]byte{}}
}

func (f *fakeRemote) Put(ctx context.Context, key string, data []byte, maxAttempts uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	return nil
}

func (f *fakeRemote) Head(ctx context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return int64(len(data)), ok, nil
}

func (f *fakeRemote) Attributes(ctx context.Context, key string) (objectstore.Attrs, error) {
	size, ok, _ := f.Head(ctx, key)
	return objectstore.Attrs{Exists: ok, Size: size}, nil
}

func (f *fakeRemote) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeRemote) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeRemote) InitiateRestore(ctx context.Context, key string, days int32) error {
	return nil
}

func (f *fakeRemote) RestoreStatus(ctx context.Context, key string) (objectstore.RestoreStatus, error) {
	return objectstore.RestoreStatus{Ready: true}, nil
}

func (f *fakeRemote) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

var _ objectstore.Remote = (*fakeRemote)(nil)

func testID(t *testing.T) backupid.ID {
	t.Helper()
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		t.Fatalf("ulid.New() error: %v", err)
	}
	return backupid.New(uuid.New(), "", id)
}

// TestWorkerDrainsExistingCellAndRetires exercises the Discovered path:
// fragments already on disk before Run starts.
func TestWorkerDrainsExistingCellAndRetires(t *testing.T) {
	root := t.TempDir()
	id := testID(t)
	cellDir, err := spool.OpenCell(root, spool.Backup, id, true)
	if err != nil {
		t.Fatalf("OpenCell() error: %v", err)
	}
	if err := spool.WriteFragment(cellDir, 1, []byte("one"), 1<<20); err != nil {
		t.Fatalf("WriteFragment(1) error: %v", err)
	}
	if err := spool.WriteFragment(cellDir, 2, []byte("two"), 1<<20); err != nil {
		t.Fatalf("WriteFragment(2) error: %v", err)
	}
	if err := spool.Seal(cellDir); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	remote := newFakeRemote()
	w := New(Options{Root: root, Client: remote})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	deadline := time.After(4 * time.Second)
	for {
		if len(remote.keys()) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for uploads, have %v", remote.keys())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-runErr

	if _, err := os.Stat(cellDir); err == nil {
		t.Errorf("cell directory %s still exists after retirement", cellDir)
	}
}
