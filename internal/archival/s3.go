package archival

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// S3Config configures replication to an S3-compatible bucket (AWS S3,
// Cloudflare R2, MinIO).
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // custom endpoint for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Uploader uploads archive files with the S3 transfer manager.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	retry    database.RetryPolicy
	log      zerolog.Logger
}

// NewS3Uploader creates an uploader. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
// Upload attempts follow retry; the SDK's own retries are disabled so the
// policy is the only one in effect.
func NewS3Uploader(ctx context.Context, cfg S3Config, retry database.RetryPolicy, log zerolog.Logger) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 bucket is not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		retry:    retry,
		log:      log.With().Str("component", "s3_uploader").Logger(),
	}, nil
}

// Upload puts the file at localPath under <prefix>/<key>.
func (u *S3Uploader) Upload(ctx context.Context, key, localPath string) error {
	objectKey := key
	if u.prefix != "" {
		objectKey = path.Join(u.prefix, key)
	}

	policy := u.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		u.log.Warn().
			Err(err).
			Str("key", objectKey).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Upload failed, retrying")
	}

	_, err := database.Retry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		f, err := os.Open(localPath)
		if err != nil {
			// a missing local file will not appear on retry
			return struct{}{}, backoff.Permanent(err)
		}
		defer f.Close()

		_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(objectKey),
			Body:        f,
			ContentType: aws.String("text/csv"),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	u.log.Debug().Str("key", objectKey).Msg("Uploaded archive file")
	return nil
}
