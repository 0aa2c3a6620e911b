// Package cryoerr defines the error kinds from spec.md §7 and the exit
// code each maps to at the top level.
package cryoerr

import "errors"

// Sentinel error kinds. Each is wrapped with %w as it propagates so that
// errors.Is still matches it; main() unwraps to the first one it
// recognizes to pick an exit code.
var (
	ErrConfig            = errors.New("configuration error")
	ErrSpoolIO           = errors.New("local spool I/O error")
	ErrCellConflict      = errors.New("backup cell already exists")
	ErrFragmentOversize  = errors.New("fragment exceeds maximum size")
	ErrFragmentMissing   = errors.New("fragment missing")
	ErrFragmentCorrupt   = errors.New("fragment corrupt")
	ErrCrypto            = errors.New("crypto error")
	ErrCompression       = errors.New("compression error")
	ErrRemoteTransient   = errors.New("transient remote error")
	ErrRemotePermanent   = errors.New("permanent remote error")
	ErrArchiveIncomplete = errors.New("archive incomplete")
	ErrThawTimeout       = errors.New("thaw deadline exceeded")
	ErrCancelled         = errors.New("operation cancelled")
)

// Exit codes, per spec.md §6.
const (
	ExitOK                  = 0
	ExitGenericError        = 1
	ExitConfigError         = 2
	ExitRemoteNotFoundOrIncomplete = 3
	ExitThawTimeout         = 4
	ExitAuth                = 5
	ExitSpoolConflict       = 6
)

// ExitCode maps the first recognized sentinel wrapped in err to its exit
// code. Unrecognized errors (including nil, which callers should not
// pass) map to ExitGenericError.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfigError
	case errors.Is(err, ErrCellConflict):
		return ExitSpoolConflict
	case errors.Is(err, ErrArchiveIncomplete):
		return ExitRemoteNotFoundOrIncomplete
	case errors.Is(err, ErrThawTimeout):
		return ExitThawTimeout
	case errors.Is(err, ErrRemotePermanent):
		return ExitAuth
	default:
		return ExitGenericError
	}
}
