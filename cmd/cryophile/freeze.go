package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cryophile/cryophile/internal/cryoerr"
	"github.com/cryophile/cryophile/internal/freeze"
	"github.com/cryophile/cryophile/internal/objectstore"
)

func runFreeze(args []string) error {
	fs := flag.NewFlagSet("freeze", flag.ContinueOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	bucketFlag := fs.String("bucket", "", "destination bucket (required)")
	storageClassFlag := fs.String("storage-class", "", "S3 storage class (default GLACIER)")
	maxInflightPerCell := fs.Int("max-inflight-per-cell", 0, "max concurrent uploads per cell")
	maxParallelCells := fs.Int("max-parallel-cells", 0, "max cells drained concurrently")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}

	log := newLogger()

	if *bucketFlag == "" {
		return fmt.Errorf("%w: --bucket is required", cryoerr.ErrConfig)
	}
	class := types.StorageClass(*storageClassFlag)
	client, err := objectstore.New(context.Background(), objectstore.Options{
		Bucket:       *bucketFlag,
		StorageClass: class,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := freeze.New(freeze.Options{
		Root:               cf.spool,
		Client:             client,
		MaxInflightPerCell: *maxInflightPerCell,
		MaxParallelCells:   *maxParallelCells,
		Logger:             log,
	})

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Verbose("freeze: graceful stop")
	return nil
}
