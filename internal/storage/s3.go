// Package storage provides object storage behind the ObjectStorage port. The
// production adapter is AWS S3, with MinIO reachable through the endpoint
// override.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

type s3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	cfg      *config.StorageConfig
	logger   observability.Logger
	metrics  observability.Metrics
}

// NewS3 creates an S3-backed ObjectStorage.
func NewS3(cfg *config.StorageConfig, logger observability.Logger, metrics observability.Metrics) (ObjectStorage, error) {
	awsCfg, err := buildAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.UsePathStyle
	})

	logger.Info("S3 client initialized",
		"region", cfg.S3.Region,
		"source_bucket", cfg.SourceBucket,
		"media_bucket", cfg.MediaBucket)

	return &s3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func (c *s3Storage) Put(ctx context.Context, bucket, key string, reader io.Reader, contentType string) error {
	start := time.Now()

	// The upload manager splits the stream into parts, so the payload never
	// has to fit in memory.
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		c.logger.Error("failed to put object", "error", err, "bucket", bucket, "key", key)
		c.metrics.RecordError("s3_put", "s3_error")
		return fmt.Errorf("failed to put object: %w", err)
	}

	c.metrics.RecordSuccess("s3_put")
	c.metrics.RecordDuration("s3_put", time.Since(start).Seconds())
	return nil
}

func (c *s3Storage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrObjectNotFound
		}
		c.logger.Error("failed to get object", "error", err, "bucket", bucket, "key", key)
		c.metrics.RecordError("s3_get", "s3_error")
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	c.metrics.RecordSuccess("s3_get")
	return result.Body, nil
}

func (c *s3Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		c.logger.Error("failed to check object existence", "error", err, "bucket", bucket, "key", key)
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (c *s3Storage) Size(ctx context.Context, bucket, key string) (int64, error) {
	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, ErrObjectNotFound
		}
		c.logger.Error("failed to head object", "error", err, "bucket", bucket, "key", key)
		return 0, fmt.Errorf("failed to head object: %w", err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

func (c *s3Storage) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.logger.Error("failed to delete object", "error", err, "bucket", bucket, "key", key)
		c.metrics.RecordError("s3_delete", "s3_error")
		return fmt.Errorf("failed to delete object: %w", err)
	}
	c.metrics.RecordSuccess("s3_delete")
	return nil
}

func (c *s3Storage) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		c.logger.Error("failed to presign object", "error", err, "bucket", bucket, "key", key)
		c.metrics.RecordError("s3_presign", "s3_error")
		return "", fmt.Errorf("failed to presign object: %w", err)
	}
	return req.URL, nil
}

func buildAWSConfig(storageConfig *config.StorageConfig) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	s3Config := storageConfig.S3

	if s3Config.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(s3Config.Region))
	}

	if s3Config.AccessKeyID != "" && s3Config.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3Config.AccessKeyID,
				s3Config.SecretAccessKey,
				"",
			),
		))
	}

	optFns = append(optFns, awsconfig.WithRetryMaxAttempts(storageConfig.MaxRetries))
	optFns = append(optFns, awsconfig.WithHTTPClient(&http.Client{
		Timeout: storageConfig.Timeout,
	}))

	return awsconfig.LoadDefaultConfig(context.Background(), optFns...)
}

func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nse *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nse)
}
