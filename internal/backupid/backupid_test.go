package backupid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestBasicBackupId(t *testing.T) {
	id := New(uuid.Nil, "", ulid.ULID{})
	if got, want := id.Path(), "00000000-0000-0000-0000-000000000000/00000000000000000000000000"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}

	id.Prefix = canonicalRelativePath("some/prefix")
	if got, want := id.Path(), "00000000-0000-0000-0000-000000000000/some/prefix/00000000000000000000000000"; got != want {
		t.Errorf("Path() with prefix = %q, want %q", got, want)
	}
}

func TestWeirdPrefixBackupId(t *testing.T) {
	id := New(uuid.Nil, "/..//some/../prefix/", ulid.ULID{})
	if got, want := id.Path(), "00000000-0000-0000-0000-000000000000/prefix/00000000000000000000000000"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestObjectKeyTooLong(t *testing.T) {
	id := New(uuid.Nil, strings.Repeat("a", MaxKeyLength), ulid.ULID{})
	if _, err := id.ObjectKey(1); err == nil {
		t.Errorf("ObjectKey() with overlong prefix: expected error, got nil")
	}
}

func TestObjectKey(t *testing.T) {
	id := New(uuid.Nil, "vaultprefix", ulid.ULID{})
	key, err := id.ObjectKey(7)
	if err != nil {
		t.Fatalf("ObjectKey() error: %v", err)
	}
	if want := "00000000-0000-0000-0000-000000000000/vaultprefix/00000000000000000000000000/chunk.7"; key != want {
		t.Errorf("ObjectKey() = %q, want %q", key, want)
	}
}
