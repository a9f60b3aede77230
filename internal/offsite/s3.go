package offsite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3/R2-compatible mirror backend.
type S3Config struct {
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	EndpointURL string // set for R2: https://<account-id>.r2.cloudflarestorage.com
	PublicRead  bool
}

// S3Mirror mirrors files to an S3-compatible bucket.
type S3Mirror struct {
	client     *s3.Client
	bucket     string
	publicRead bool
}

// NewS3Mirror builds an S3Mirror, verifying bucket access up front.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("offsite: S3_BUCKET is required for the s3 backend")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
			config.WithRegion(cfg.Region))
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("offsite: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("offsite: access bucket %s: %w", cfg.Bucket, err)
	}

	slog.Info("offsite: s3 mirror initialized", "bucket", cfg.Bucket, "endpoint", cfg.EndpointURL)
	return &S3Mirror{client: client, bucket: cfg.Bucket, publicRead: cfg.PublicRead}, nil
}

// MirrorFile uploads a local file under remoteKey.
func (m *S3Mirror) MirrorFile(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(remoteKey),
		Body:        f,
		ContentType: aws.String(contentTypeFor(localPath)),
	}
	if m.publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("offsite: put object %s: %w", remoteKey, err)
	}
	slog.Info("offsite: mirrored to s3", "bucket", m.bucket, "key", remoteKey)
	return nil
}
