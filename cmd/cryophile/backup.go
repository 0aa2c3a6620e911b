package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/pipeline"
	"github.com/cryophile/cryophile/internal/spool"
)

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	keyringPath := fs.String("keyring", "", "path to armored public keyring")
	compressionFlag := fs.String("compression", "", "compression codec: lz4 or zstd")
	inputPath := fs.String("input", "", "input file path (default stdin)")
	fragmentMax := fs.Int64("fragment-max", defaultFragmentMax, "maximum fragment size in bytes")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}

	log := newLogger()

	if *keyringPath == "" {
		return fmt.Errorf("%w: --keyring is required", cryoerr.ErrConfig)
	}
	recipients, err := crypto.LoadKeyring(*keyringPath)
	if err != nil {
		return err
	}

	id, cfgFile, err := resolveID(cf, newULID())
	if err != nil {
		return err
	}
	codec, _, err := cfgFile.ResolveCompression(id.Vault, *compressionFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}

	var src io.Reader = os.Stdin
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return fmt.Errorf("%w: open --input %s: %v", cryoerr.ErrSpoolIO, *inputPath, err)
		}
		defer func() { log.CheckError(f.Close(), "close --input %s", *inputPath) }()
		src = f
	}

	cellDir, err := spool.OpenCell(cf.spool, spool.Backup, id, true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := pipeline.Backup(ctx, src, pipeline.BackupOptions{
		CellDir:         cellDir,
		Recipients:      recipients,
		Codec:           codec,
		MaxFragmentSize: *fragmentMax,
		Logger:          log,
	}); err != nil {
		return err
	}

	log.Verbose("backup: sealed cell for %s", id)
	fmt.Println(id.String())
	return nil
}

// newULID mints a fresh, time-sortable backup identifier using
// crypto-grade entropy, the same construction original_source's BID
// minting uses (a monotonic ULID source seeded from a secure RNG).
func newULID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
}
