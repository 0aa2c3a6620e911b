// Package objectstore wraps the handful of S3-compatible operations
// spec.md §6 lists behind a small Client type: PUT with a storage-class
// header, HEAD, GET (range-capable), LIST by prefix, initiate-restore,
// and HEAD-for-restore-status. Modeled directly on the teacher's
// storage/gcs.go (gcsFileStorage, GCSOptions, retry-wrapped
// upload/download, CRC32C double-check), with its GCS calls replaced
// 1:1 by S3 equivalents and the Glacier-style restore/poll calls added
// per spec.md §4.4.
package objectstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"

	"github.com/cryophile/cryophile/internal/clog"
	"github.com/cryophile/cryophile/internal/cryoerr"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Remote describes the subset of object-store operations the freeze and
// thaw workers depend on, the same way the teacher's storage.Backend
// interface lets storage.go's callers stay agnostic of gcsFileStorage's
// concrete SDK plumbing. *Client satisfies it; tests substitute a fake.
type Remote interface {
	Put(ctx context.Context, key string, data []byte, maxAttempts uint64) error
	Head(ctx context.Context, key string) (size int64, exists bool, err error)
	Attributes(ctx context.Context, key string) (Attrs, error)
	Get(ctx context.Context, key string, offset, length int64) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	InitiateRestore(ctx context.Context, key string, days int32) error
	RestoreStatus(ctx context.Context, key string) (RestoreStatus, error)
}

var _ Remote = (*Client)(nil)

// Options configures a Client.
type Options struct {
	Bucket       string
	Endpoint     string // optional, for S3-compatible (non-AWS) providers
	Region       string
	StorageClass types.StorageClass // default storage class for Put
	Logger       *clog.Logger
}

// Client is a thin, retrying S3 wrapper scoped to one bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	class  types.StorageClass
	log    *clog.Logger
}

// New builds a Client from the ambient AWS credential chain (env vars,
// shared config, IAM role), the same discovery dmitrijs2005-gophkeeper's
// aws-sdk-go-v2 usage relies on.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", cryoerr.ErrConfig, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	class := opts.StorageClass
	if class == "" {
		class = types.StorageClassGlacier
	}

	log := opts.Logger
	if log == nil {
		log = clog.New(clog.LevelWarning, "auto")
	}

	return &Client{s3: client, bucket: opts.Bucket, class: class, log: log}, nil
}

// retry wraps f with the exponential-backoff-with-jitter policy
// spec.md §4.3 requires, bounded by maxAttempts; RemotePermanent errors
// (auth, quota, precondition) are never retried.
func retry(ctx context.Context, maxAttempts uint64, f func() error) error {
	retries := maxAttempts
	if retries > 0 {
		retries-- // WithMaxRetries counts retries after the first attempt
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	return backoff.Retry(func() error {
		err := f()
		if err == nil {
			return nil
		}
		if errors.Is(err, cryoerr.ErrRemotePermanent) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Put uploads data as key, buffering the whole fragment in memory (as
// the teacher's gcsWriter does) so a failed attempt can be retried from
// scratch without re-reading the caller's source. It skips the upload
// if an object of matching size already exists at key, per spec.md
// §4.3's "a fragment whose remote object already exists with matching
// size is skipped" idempotency rule.
func (c *Client) Put(ctx context.Context, key string, data []byte, maxAttempts uint64) error {
	if size, ok, err := c.Head(ctx, key); err != nil {
		return err
	} else if ok && size == int64(len(data)) {
		c.log.Debug("%s: already uploaded (%d bytes), skipping", key, size)
		return nil
	}

	localCRC := crc32.Checksum(data, castagnoliTable)

	return retry(ctx, maxAttempts, func() error {
		c.log.Verbose("%s: starting upload (%d bytes)", key, len(data))
		out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:            aws.String(c.bucket),
			Key:               aws.String(key),
			Body:              bytes.NewReader(data),
			StorageClass:      c.class,
			ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
		})
		if err != nil {
			return classifyError(err)
		}
		if out.ChecksumCRC32C != nil {
			remoteCRC, decodeErr := decodeBase64CRC32C(*out.ChecksumCRC32C)
			if decodeErr == nil && remoteCRC != localCRC {
				return fmt.Errorf("%w: %s: crc32c mismatch, local=%d remote=%d", cryoerr.ErrFragmentCorrupt, key, localCRC, remoteCRC)
			}
		}
		c.log.Verbose("%s: finished upload", key)
		return nil
	})
}

// Head reports whether key exists and, if so, its size. Put calls this
// to implement the "already uploaded at matching size" idempotent skip.
func (c *Client) Head(ctx context.Context, key string) (size int64, exists bool, err error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &noSuchKey) || isNotFoundStatus(err) {
			return 0, false, nil
		}
		return 0, false, classifyError(err)
	}
	size = int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return size, true, nil
}

// Attrs describes the attributes of a remote object relevant to
// thawing: whether it exists, its size, and its storage class. Restore
// progress is not part of Attrs; RestoreStatus reports it.
type Attrs struct {
	Exists       bool
	Size         int64
	StorageClass types.StorageClass
}

// RequiresRestore reports whether objects in this storage class must
// be thawed before they can be downloaded.
func (a Attrs) RequiresRestore() bool {
	switch a.StorageClass {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return true
	default:
		return false
	}
}

// Attributes fetches key's size and storage class without downloading
// its body.
func (c *Client) Attributes(ctx context.Context, key string) (Attrs, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &noSuchKey) || isNotFoundStatus(err) {
			return Attrs{}, nil
		}
		return Attrs{}, classifyError(err)
	}
	a := Attrs{Exists: true, StorageClass: out.StorageClass}
	if out.ContentLength != nil {
		a.Size = *out.ContentLength
	}
	return a, nil
}

// Get downloads key, optionally restricted to [offset, offset+length).
// length <= 0 means the whole object.
func (c *Client) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)}
	if length > 0 {
		rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		input.Range = aws.String(rangeHeader)
	}
	out, err := c.s3.GetObject(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// List returns every key under prefix, handling pagination internally.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyError(err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// InitiateRestore issues a Glacier-style restore request for key, good
// for the given number of days once retrieved. It tolerates the object
// already having a restore in progress.
func (c *Client) InitiateRestore(ctx context.Context, key string, days int32) error {
	_, err := c.s3.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(days),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.TierStandard,
			},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RestoreAlreadyInProgress" {
			c.log.Debug("%s: restore already in progress", key)
			return nil
		}
		return classifyError(err)
	}
	return nil
}

// RestoreStatus reports whether key's temporary restored copy is ready
// (and, if so, its expiry) by inspecting the x-amz-restore HEAD header,
// the same signal Amazon's CLI polls.
type RestoreStatus struct {
	InProgress bool
	Ready      bool
	ExpiresAt  time.Time
}

func (c *Client) RestoreStatus(ctx context.Context, key string) (RestoreStatus, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return RestoreStatus{}, classifyError(err)
	}
	if out.Restore == nil {
		// Not an archival-class object (or restore never requested).
		return RestoreStatus{Ready: true}, nil
	}
	status := *out.Restore
	if strings.Contains(status, `ongoing-request="true"`) {
		return RestoreStatus{InProgress: true}, nil
	}
	st := RestoreStatus{Ready: true}
	const expiryField = `expiry-date="`
	if i := strings.Index(status, expiryField); i >= 0 {
		rest := status[i+len(expiryField):]
		if j := strings.IndexByte(rest, '"'); j >= 0 {
			if t, err := time.Parse(time.RFC1123, rest[:j]); err == nil {
				st.ExpiresAt = t
			}
		}
	}
	return st, nil
}

func isNotFoundStatus(err error) bool {
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

// classifyError maps an AWS SDK error to RemoteTransient or
// RemotePermanent so callers and the retry policy can tell a throttled
// request from a bad credential without inspecting SDK internals
// themselves.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 429 || code >= 500:
			return fmt.Errorf("%w: %v", cryoerr.ErrRemoteTransient, err)
		case code == 401 || code == 403 || code == 412:
			return fmt.Errorf("%w: %v", cryoerr.ErrRemotePermanent, err)
		}
	}
	return fmt.Errorf("%w: %v", cryoerr.ErrRemoteTransient, err)
}

func decodeBase64CRC32C(s string) (uint32, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(data) != 4 {
		return 0, fmt.Errorf("objectstore: malformed crc32c checksum %q", s)
	}
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), nil
}
