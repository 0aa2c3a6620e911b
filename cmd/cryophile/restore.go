package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/pipeline"
	"github.com/cryophile/cryophile/internal/spool"
)

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	ulidFlag := fs.String("ulid", "", "backup run ULID")
	keyringPath := fs.String("keyring", "", "path to armored secret keyring")
	passFD := fs.Int("pass-fd", -1, "file descriptor to read the passphrase from")
	compressionFlag := fs.String("compression", "", "compression codec: lz4 or zstd (auto-detected if omitted)")
	outputPath := fs.String("output", "", "output file path (default stdout)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}

	log := newLogger()

	u, err := parseULID(*ulidFlag)
	if err != nil {
		return err
	}
	id, cfgFile, err := resolveID(cf, u)
	if err != nil {
		return err
	}

	if *keyringPath == "" {
		return fmt.Errorf("%w: --keyring is required", cryoerr.ErrConfig)
	}
	secretKeyring, err := crypto.LoadKeyring(*keyringPath)
	if err != nil {
		return err
	}

	var passphrase []byte
	if *passFD >= 0 {
		passphrase, err = crypto.ReadPassphraseFD(*passFD)
		if err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: --pass-fd is required", cryoerr.ErrConfig)
	}

	codec, explicit, err := cfgFile.ResolveCompression(id.Vault, *compressionFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}

	var sink io.Writer = os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return fmt.Errorf("%w: create --output %s: %v", cryoerr.ErrSpoolIO, *outputPath, err)
		}
		defer func() { log.CheckError(f.Close(), "close --output %s", *outputPath) }()
		sink = f
	}

	cellDir, err := spool.OpenCell(cf.spool, spool.Restore, id, false)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := pipeline.Restore(ctx, sink, pipeline.RestoreOptions{
		CellDir:       cellDir,
		SecretKeyring: secretKeyring,
		Passphrase:    passphrase,
		Codec:         codec,
		AutoDetect:    !explicit,
		Logger:        log,
	}); err != nil {
		return err
	}

	log.Verbose("restore: recovered archive %s", id)
	return nil
}
