// Command cryophile is the single binary dispatching the four
// subcommands spec.md §6 names, the same switch-on-os.Args[1]-into-
// per-subcommand-flag.FlagSet shape the teacher's cmd/rdso/main.go
// uses, rather than a third-party CLI framework (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/config"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/objectstore"
	"github.com/cryophile/cryophile/internal/spool"
)

// defaultFragmentMax is spec.md §4.1's 5 GiB default, chosen to respect
// the single-object ceiling of the target object store.
const defaultFragmentMax = 5 << 30

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cryophile <backup|freeze|thaw|restore> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(cryoerr.ExitConfigError)
	}

	var err error
	switch os.Args[1] {
	case "backup":
		err = runBackup(os.Args[2:])
	case "freeze":
		err = runFreeze(os.Args[2:])
	case "thaw":
		err = runThaw(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		os.Exit(cryoerr.ExitOK)
	default:
		usage()
		os.Exit(cryoerr.ExitConfigError)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "cryophile: "+err.Error())
		os.Exit(cryoerr.ExitCode(err))
	}
}

// commonFlags holds the flags every subcommand accepts, mirroring
// original_source/src/cli/subcommand.rs's shared arguments.
type commonFlags struct {
	vault      string
	prefix     string
	spool      string
	configPath string
}

func addCommonFlags(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.vault, "vault", "", "vault UUID")
	fs.StringVar(&cf.prefix, "prefix", "", "backup ID path prefix")
	fs.StringVar(&cf.spool, "S", defaultSpoolDir(), "spool root directory")
	fs.StringVar(&cf.configPath, "config", "", "path to cryophile.toml (sole source if given)")
}

func defaultSpoolDir() string {
	if d := os.Getenv("CRYOPHILE_SPOOL"); d != "" {
		return d
	}
	return "/var/spool/cryophile"
}

// newLogger builds a Logger from CRYOPHILE_LOG/CRYOPHILE_LOG_STYLE, the
// same precedence original_source/src/lib.rs's setup() documents:
// command-line verbosity (not wired at the flag level here, since
// spec.md §6 doesn't list a -v/-q flag) over the environment variable.
func newLogger() *clog.Logger {
	return clog.FromEnvironment()
}

func parseVault(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.UUID{}, fmt.Errorf("%w: --vault is required", cryoerr.ErrConfig)
	}
	v, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: --vault %q: %v", cryoerr.ErrConfig, s, err)
	}
	return v, nil
}

func parseULID(s string) (ulid.ULID, error) {
	if s == "" {
		return ulid.ULID{}, fmt.Errorf("%w: --ulid is required", cryoerr.ErrConfig)
	}
	u, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("%w: --ulid %q: %v", cryoerr.ErrConfig, s, err)
	}
	return u, nil
}

// resolveID validates cf's vault/prefix and builds the BackupId,
// needing an explicit ULID for thaw/restore (backup mints its own).
func resolveID(cf commonFlags, u ulid.ULID) (backupid.ID, config.File, error) {
	vault, err := parseVault(cf.vault)
	if err != nil {
		return backupid.ID{}, config.File{}, err
	}
	if _, err := spool.ValidatePrefix(cf.prefix); err != nil {
		return backupid.ID{}, config.File{}, fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}
	cfgFile, err := config.Resolve(cf.configPath)
	if err != nil {
		return backupid.ID{}, config.File{}, err
	}
	return backupid.New(vault, cf.prefix, u), cfgFile, nil
}

// newObjectStore builds the object-store client for vault, applying any
// vault-scoped bucket override the config file names.
func newObjectStore(ctx context.Context, cfgFile config.File, vault uuid.UUID, bucket string, class types.StorageClass, log *clog.Logger) (*objectstore.Client, error) {
	if bucket == "" {
		if b, ok := cfgFile.ResolveBucket(vault); ok {
			bucket = b
		}
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: no destination bucket configured for vault %s", cryoerr.ErrConfig, vault)
	}
	return objectstore.New(ctx, objectstore.Options{
		Bucket:       bucket,
		StorageClass: class,
		Logger:       log,
	})
}
