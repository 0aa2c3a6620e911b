package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/thaw"
)

func runThaw(args []string) error {
	fs := flag.NewFlagSet("thaw", flag.ContinueOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	ulidFlag := fs.String("ulid", "", "backup run ULID")
	bucketFlag := fs.String("bucket", "", "source bucket (overrides config)")
	storageClassFlag := fs.String("storage-class", "", "S3 storage class objects were frozen at")
	maxInflightDL := fs.Int("max-inflight-downloads", 0, "max concurrent fragment downloads")
	thawDeadline := fs.Duration("deadline", 0, "maximum time to wait for a restore to become ready")
	restoreDays := fs.Int("restore-days", 1, "number of days the thawed copy stays retrievable")
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

	client, err := newObjectStore(context.Background(), cfgFile, id.Vault, *bucketFlag, types.StorageClass(*storageClassFlag), log)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := thaw.Run(ctx, thaw.Options{
		Root:            cf.spool,
		Client:          client,
		ID:              id,
		MaxFragmentSize: defaultFragmentMax,
		MaxInflightDL:   *maxInflightDL,
		ThawDeadline:    *thawDeadline,
		RestoreDays:     int32(*restoreDays),
		Logger:          log,
	}); err != nil {
		return err
	}

	log.Verbose("thaw: archive %s ready under %s", id, cf.spool)
	return nil
}
