package drivers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Config configures an S3-compatible staging bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Region    string `yaml:"region" env:"REGION"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
}

// S3Staging keeps staged sets in an S3-compatible bucket. Keys are
// <prefix>/<staging id>/<ref>.blk.zst, and <ref>.vhd for disk images.
type S3Staging struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

var _ StagingStore = (*S3Staging)(nil)

// NewS3Staging creates an S3 staging store with path-style addressing.
// Static credentials are used when an access key is configured; otherwise
// the default AWS credential chain applies.
func NewS3Staging(cfg S3Config, httpClient *http.Client, logger *zap.Logger) (*S3Staging, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Debug("s3 staging configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.Bool("static_credentials", cfg.AccessKey != ""))

	return &S3Staging{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (d *S3Staging) Name() string {
	return "s3"
}

func (d *S3Staging) key(stagingID, ref string) string {
	return path.Join(d.prefix, stagingID, objectName(ref))
}

// WriteBlocks uploads a block set as one object.
func (d *S3Staging) WriteBlocks(ctx context.Context, stagingID, ref string, blocks []Block) (int64, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return 0, err
	}
	payload, err := encodeBlocks(blocks)
	if err != nil {
		return 0, err
	}

	key := d.key(stagingID, ref)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, err)
	}

	d.logger.Debug("staged blocks uploaded",
		zap.String("bucket", d.bucket),
		zap.String("key", key),
		zap.Int("blocks", len(blocks)),
		zap.Int("bytes", len(payload)))
	return int64(len(payload)), nil
}

// ReadBlocks downloads a staged set.
func (d *S3Staging) ReadBlocks(ctx context.Context, stagingID, ref string) ([]Block, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return nil, err
	}
	key := d.key(stagingID, ref)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return decodeBlocks(payload)
}

// DeleteRef removes a staged set.
func (d *S3Staging) DeleteRef(ctx context.Context, stagingID, ref string) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	key := d.key(stagingID, ref)
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (d *S3Staging) imageKey(stagingID, ref string) string {
	return path.Join(d.prefix, stagingID, imageName(ref))
}

// WriteImage uploads a disk image as one object.
func (d *S3Staging) WriteImage(ctx context.Context, stagingID, ref string, img *Image) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	key := d.imageKey(stagingID, ref)
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          img.Reader(),
		ContentLength: aws.Int64(img.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	d.logger.Debug("disk image uploaded",
		zap.String("bucket", d.bucket),
		zap.String("key", key),
		zap.Int64("disk_size", img.DiskSize()))
	return nil
}

// OpenImage streams a disk image. The caller closes the body.
func (d *S3Staging) OpenImage(ctx context.Context, stagingID, ref string) (io.ReadCloser, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return nil, err
	}
	key := d.imageKey(stagingID, ref)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// DeleteImage removes a disk image.
func (d *S3Staging) DeleteImage(ctx context.Context, stagingID, ref string) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	key := d.imageKey(stagingID, ref)
	if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Locate returns the s3:// URI of the disk image at ref.
func (d *S3Staging) Locate(stagingID, ref string) string {
	return "s3://" + d.bucket + "/" + d.imageKey(stagingID, ref)
}
