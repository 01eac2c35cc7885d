package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// Store implements tier.CacheStore for S3-compatible object storage.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.BlobCacheConfig
	logger *zap.Logger
}

// NewStore creates a new blob store using an S3API implementation.
func NewStore(s3api S3API, cfg config.BlobCacheConfig, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: cfg.Bucket,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Store) prefix() string {
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/payloads/"
	}
	return "payloads/"
}

func (s *Store) objectKey(name string) string {
	return s.prefix() + name + ".blob"
}

// Put uploads the payload. A reader that cannot seek is spooled to a temp
// file first so the upload has a known content length.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	body, size, cleanup, err := seekable(r)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	key := s.objectKey(name)
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"mt-resource": name,
			"mt-size":     strconv.FormatInt(size, 10),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	start := time.Now()
	_, err = s.s3.PutObject(ctx, input)
	metrics.BlobOpDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("uploading payload to S3: %w", err)
	}

	s.logger.Debug("payload uploaded to S3",
		zap.String("resource", name),
		zap.String("key", key),
		zap.Int64("size", size),
	)

	return size, nil
}

func seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, nil, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, nil, err
		}
		return rs, size, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "mt-upload-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("creating spool file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, r)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spooling payload: %w", err)
	}
	return tmp, size, cleanup, nil
}

func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	key := s.objectKey(name)
	start := time.Now()
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	metrics.BlobOpDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("%w: %s not in blob cache", types.ErrNotFound, name)
		}
		return nil, 0, fmt.Errorf("downloading payload from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	key := s.objectKey(name)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("deleting payload from S3: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	key := s.objectKey(name)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head payload in S3: %w", err)
	}
	return true, nil
}

// Stats lists the payload prefix. It costs one request per thousand objects.
func (s *Store) Stats(ctx context.Context) (tier.CacheStats, error) {
	stats := tier.CacheStats{Backend: config.CacheBackendBlob}
	prefix := s.prefix()
	var token *string
	for {
		out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return stats, fmt.Errorf("listing payloads in S3: %w", err)
		}
		for _, obj := range out.Contents {
			if path.Ext(aws.ToString(obj.Key)) != ".blob" {
				continue
			}
			stats.EntryCount++
			stats.TotalBytes += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) {
			return stats, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *Store) Close() error {
	return nil
}
