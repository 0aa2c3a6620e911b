// Package backupid implements the Backup ID addressing scheme: a
// (vault, prefix, ulid) triple that names one archive, both as a spool
// path segment and as an object-store key prefix.
package backupid

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MaxKeyLength bounds how long a fully-rendered object key may be, so
// that "<prefix>/chunk.<K>" never exceeds what the object store (and a
// sane filesystem path) will accept.
const MaxKeyLength = 1024

// ID identifies one archive: a vault namespace, an optional path-like
// prefix inside it, and the ULID that names this particular backup run.
type ID struct {
	Vault  uuid.UUID
	Prefix string // canonicalized, always relative, "" if unset
	Ulid   ulid.ULID
}

// New builds an ID from a vault, an optional raw prefix, and a ulid.
// The prefix is canonicalized the same way canonicalRelativePath does in
// the original implementation: "." components are dropped, ".." pops the
// last pushed component, absolute/root markers are ignored.
func New(vault uuid.UUID, prefix string, id ulid.ULID) ID {
	return ID{Vault: vault, Prefix: canonicalRelativePath(prefix), Ulid: id}
}

// canonicalRelativePath mirrors original_source/src/core/backup_id.rs's
// canonical_relative_path: it is permissive (used for display/URI
// strings), unlike spool.ValidatePrefix which is used at the actual
// directory-creation call site and rejects ".." and absolute paths
// outright instead of silently resolving them.
func canonicalRelativePath(prefix string) string {
	if prefix == "" {
		return ""
	}
	var out []string
	for _, part := range strings.Split(path.Clean("/"+prefix), "/") {
		switch part {
		case "", ".", "..":
			if part == ".." && len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}

// PathSegments returns the path components, in order, that identify
// this archive: vault, then each prefix component (if any), then ulid.
func (id ID) PathSegments() []string {
	segs := []string{id.Vault.String()}
	if id.Prefix != "" {
		segs = append(segs, strings.Split(id.Prefix, "/")...)
	}
	segs = append(segs, id.Ulid.String())
	return segs
}

// Path joins PathSegments with "/", the form used both for spool
// subdirectories and for object-store key prefixes.
func (id ID) Path() string {
	return strings.Join(id.PathSegments(), "/")
}

// String renders the ID the same way Path does; it is the canonical
// human-readable form used in log lines and error messages.
func (id ID) String() string {
	return id.Path()
}

// ObjectKey returns the object-store key for fragment n within this
// archive's namespace, e.g. "<vault>/<prefix>/<ulid>/chunk.3".
func (id ID) ObjectKey(fragment int) (string, error) {
	key := fmt.Sprintf("%s/chunk.%d", id.Path(), fragment)
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("backupid: object key %d bytes exceeds %d byte limit", len(key), MaxKeyLength)
	}
	return key, nil
}
