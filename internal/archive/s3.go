package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config contains configuration for an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string // defaults to "auto"
	Endpoint        string // optional, for R2/MinIO and friends
	Prefix          string // prepended to every key
	AccessKeyID     string // optional; default credential chain otherwise
	SecretAccessKey string
}

// S3Archive stores uploads in an S3-compatible bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Archive creates a new S3-backed archive.
func NewS3Archive(ctx context.Context, cfg S3Config, log *slog.Logger) (*S3Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// Put uploads r as a single object. r must be seekable for the SDK to
// compute the payload checksum without buffering; the ingest pipeline passes
// the temp file.
func (a *S3Archive) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	objectKey := a.objectKey(key)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(objectKey),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	a.log.Debug("archived upload", "bucket", a.bucket, "key", objectKey, "size", size)
	return nil
}

func (a *S3Archive) Close() error {
	return nil
}

func (a *S3Archive) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}
