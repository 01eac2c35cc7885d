// Package s3util builds S3 clients for the blob cache backend. Any
// S3-compatible endpoint works (AWS, MinIO, R2).
package s3util

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/types"
)

// DefaultRegion is used when the config leaves the region empty. Most
// S3-compatible servers accept any region but the SDK requires one.
const DefaultRegion = "us-east-1"

// Client is an S3 client bound to the cache bucket.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient loads AWS configuration for cfg and returns a client bound to
// cfg.Bucket. Static credentials are used only when both halves are set;
// otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg config.BlobCacheConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob cache: bucket is required")
	}
	if err := validStorageClass(cfg.StorageClass); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	load := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		load = append(load, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Client{
		S3:     s3.NewFromConfig(awsCfg, endpointOptions(cfg)),
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}, nil
}

func endpointOptions(cfg config.BlobCacheConfig) func(*s3.Options) {
	return func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}
}

func validStorageClass(class string) error {
	if class == "" {
		return nil
	}
	for _, c := range s3types.StorageClass("").Values() {
		if string(c) == class {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown S3 storage class %q", types.ErrInvalidConfig, class)
}

// Ping reports whether the cache bucket is reachable. It backs the
// readiness check.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)}); err != nil {
		return fmt.Errorf("bucket %s: %w", c.Bucket, err)
	}
	return nil
}
