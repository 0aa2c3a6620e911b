package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/cryophile/cryophile/internal/compression"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("cryophile test", "", "test@cryophile.example", &packet.Config{
		RSABits: 2048,
		Time:    func() time.Time { return time.Unix(0, 0) },
	})
	if err != nil {
		t.Fatalf("NewEntity() error: %v", err)
	}
	return entity
}

func TestBackupThenRestoreRoundTrip(t *testing.T) {
	for _, codec := range []compression.Type{compression.None, compression.LZ4, compression.Zstd} {
		entity := newTestEntity(t)
		recipients := openpgp.EntityList{entity}

		dir := t.TempDir()
		input := []byte("the quick brown fox jumps over the lazy dog, repeated.\n")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := Backup(ctx, bytes.NewReader(input), BackupOptions{
			CellDir:         dir,
			Recipients:      recipients,
			Codec:           codec,
			MaxFragmentSize: 1 << 20,
		})
		if err != nil {
			t.Fatalf("Backup(%v) error: %v", codec, err)
		}

		var out bytes.Buffer
		err = Restore(ctx, &out, RestoreOptions{
			CellDir:       dir,
			SecretKeyring: openpgp.EntityList{entity},
			Codec:         codec,
		})
		if err != nil {
			t.Fatalf("Restore(%v) error: %v", codec, err)
		}
		if !bytes.Equal(out.Bytes(), input) {
			t.Errorf("%v round trip = %q, want %q", codec, out.Bytes(), input)
		}
	}
}

func TestBackupEmptyInputStillSeals(t *testing.T) {
	entity := newTestEntity(t)
	recipients := openpgp.EntityList{entity}
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Backup(ctx, bytes.NewReader(nil), BackupOptions{
		CellDir:         dir,
		Recipients:      recipients,
		Codec:           compression.Zstd,
		MaxFragmentSize: 1 << 20,
	})
	if err != nil {
		t.Fatalf("Backup() error: %v", err)
	}

	var out bytes.Buffer
	err = Restore(ctx, &out, RestoreOptions{
		CellDir:       dir,
		SecretKeyring: openpgp.EntityList{entity},
		Codec:         compression.Zstd,
	})
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("restored %d bytes from empty input, want 0", out.Len())
	}
}

func TestBackupRolloverAcrossFragments(t *testing.T) {
	entity := newTestEntity(t)
	recipients := openpgp.EntityList{entity}
	dir := t.TempDir()

	input := bytes.Repeat([]byte("0123456789abcdef"), 1<<14) // 256 KiB, pre-compression

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := Backup(ctx, bytes.NewReader(input), BackupOptions{
		CellDir:         dir,
		Recipients:      recipients,
		Codec:           compression.None,
		MaxFragmentSize: 64 * 1024,
	})
	if err != nil {
		t.Fatalf("Backup() error: %v", err)
	}

	var out bytes.Buffer
	err = Restore(ctx, &out, RestoreOptions{
		CellDir:       dir,
		SecretKeyring: openpgp.EntityList{entity},
		Codec:         compression.None,
	})
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if !bytes.Equal(out.Bytes(), input) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", out.Len(), len(input))
	}
}
