package thaw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/objectstore"
	"github.com/cryophile/cryophile/internal/spool"
)

// fakeRemote is an in-memory objectstore.Remote used to drive Run
// without a real S3 endpoint, the same substitution storage.Backend's
// interface exists to enable for the teacher's tests.
type fakeRemote struct {
	mu        sync.Mutex
	objects   map[string][]byte
	class     map[string]types.StorageClass
	pending   map[string]int // remaining RestoreStatus calls before ready
	initiated map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:   map[string][]byte{},
		class:     map[string]types.StorageClass{},
		pending:   map[string]int{},
		initiated: map[string]bool{},
	}
}

func (f *fakeRemote) put(key string, data []byte, class types.StorageClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.class[key] = class
}

func (f *fakeRemote) Put(ctx context.Context, key string, data []byte, maxAttempts uint64) error {
	f.put(key, data, types.StorageClassStandard)
	return nil
}

func (f *fakeRemote) Head(ctx context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return int64(len(data)), ok, nil
}

func (f *fakeRemote) Attributes(ctx context.Context, key string) (objectstore.Attrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return objectstore.Attrs{}, nil
	}
	return objectstore.Attrs{Exists: true, Size: int64(len(data)), StorageClass: f.class[key]}, nil
}

func (f *fakeRemote) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("fakeRemote: no object %s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *fakeRemote) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeRemote) InitiateRestore(ctx context.Context, key string, days int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated[key] = true
	return nil
}

func (f *fakeRemote) RestoreStatus(ctx context.Context, key string) (objectstore.RestoreStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.class[key] != types.StorageClassGlacier && f.class[key] != types.StorageClassDeepArchive {
		return objectstore.RestoreStatus{Ready: true}, nil
	}
	if !f.initiated[key] {
		return objectstore.RestoreStatus{InProgress: false}, errors.New("fakeRemote: restore never initiated")
	}
	if f.pending[key] > 0 {
		f.pending[key]--
		return objectstore.RestoreStatus{InProgress: true}, nil
	}
	return objectstore.RestoreStatus{Ready: true}, nil
}

var _ objectstore.Remote = (*fakeRemote)(nil)

func testID(t *testing.T) backupid.ID {
	t.Helper()
	vault := uuid.New()
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		t.Fatalf("ulid.New() error: %v", err)
	}
	return backupid.New(vault, "", id)
}

func TestRunDownloadsStandardStorageClassImmediately(t *testing.T) {
	id := testID(t)
	remote := newFakeRemote()
	remote.put(id.Path()+"/chunk.1", []byte("fragment one"), types.StorageClassStandard)
	remote.put(id.Path()+"/chunk.2", []byte("fragment two"), types.StorageClassStandard)
	remote.put(id.Path()+"/chunk.0", nil, types.StorageClassStandard)

	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		Root:            root,
		Client:          remote,
		ID:              id,
		MaxFragmentSize: 1 << 20,
		ThawDeadline:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	cellDir, err := spool.OpenCell(root, spool.Restore, id, false)
	if err != nil {
		t.Fatalf("OpenCell() error: %v", err)
	}
	if !spool.IsSealed(cellDir) {
		t.Errorf("restore cell not sealed after Run()")
	}
	frags, err := spool.ListFragments(cellDir)
	if err != nil {
		t.Fatalf("ListFragments() error: %v", err)
	}
	if len(frags) != 2 {
		t.Errorf("ListFragments() = %v, want 2 fragments", frags)
	}
}

func TestRunInitiatesAndPollsArchivalStorage(t *testing.T) {
	id := testID(t)
	remote := newFakeRemote()
	remote.put(id.Path()+"/chunk.1", []byte("cold fragment"), types.StorageClassGlacier)
	remote.put(id.Path()+"/chunk.0", nil, types.StorageClassGlacier)
	remote.pending[id.Path()+"/chunk.1"] = 2

	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		Root:            root,
		Client:          remote,
		ID:              id,
		MaxFragmentSize: 1 << 20,
		ThawDeadline:    5 * time.Second,
		PollMaxInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !remote.initiated[id.Path()+"/chunk.1"] {
		t.Errorf("InitiateRestore was never called for the Glacier fragment")
	}
}

func TestRunFailsOnIncompleteArchive(t *testing.T) {
	id := testID(t)
	remote := newFakeRemote()
	remote.put(id.Path()+"/chunk.1", []byte("one"), types.StorageClassStandard)
	// chunk.2 is missing, chunk.0 is missing: gap in the sequence.
	remote.put(id.Path()+"/chunk.3", []byte("three"), types.StorageClassStandard)

	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		Root:   root,
		Client: remote,
		ID:     id,
	})
	if !errors.Is(err, cryoerr.ErrArchiveIncomplete) {
		t.Fatalf("Run() error = %v, want ErrArchiveIncomplete", err)
	}
}

func TestRunResumesSkippingCompleteFragments(t *testing.T) {
	id := testID(t)
	remote := newFakeRemote()
	payload := []byte("already here")
	remote.put(id.Path()+"/chunk.1", payload, types.StorageClassStandard)
	remote.put(id.Path()+"/chunk.0", nil, types.StorageClassStandard)

	root := t.TempDir()
	cellDir, err := spool.OpenCell(root, spool.Restore, id, false)
	if err != nil {
		t.Fatalf("OpenCell() error: %v", err)
	}
	if err := spool.WriteFragment(cellDir, 1, payload, 1<<20); err != nil {
		t.Fatalf("WriteFragment() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Run(ctx, Options{
		Root:            root,
		Client:          remote,
		ID:              id,
		MaxFragmentSize: 1 << 20,
		ThawDeadline:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !spool.IsSealed(cellDir) {
		t.Errorf("restore cell not sealed after resumed Run()")
	}
}

func TestRunMapsExpiredDeadlineToThawTimeout(t *testing.T) {
	id := testID(t)
	remote := newFakeRemote()
	remote.put(id.Path()+"/chunk.1", []byte("cold fragment"), types.StorageClassGlacier)
	remote.put(id.Path()+"/chunk.0", nil, types.StorageClassGlacier)
	remote.pending[id.Path()+"/chunk.1"] = 1 << 30 // never reaches zero within the deadline

	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		Root:            root,
		Client:          remote,
		ID:              id,
		MaxFragmentSize: 1 << 20,
		ThawDeadline:    50 * time.Millisecond,
		PollMaxInterval: 10 * time.Millisecond,
	})
	if !errors.Is(err, cryoerr.ErrThawTimeout) {
		t.Fatalf("Run() error = %v, want ErrThawTimeout", err)
	}
	if cryoerr.ExitCode(err) != cryoerr.ExitThawTimeout {
		t.Errorf("ExitCode(%v) = %d, want %d", err, cryoerr.ExitCode(err), cryoerr.ExitThawTimeout)
	}
}
