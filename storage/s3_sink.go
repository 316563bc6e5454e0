package storage

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// S3Config describes the bucket artifacts are written to
type S3Config struct {
	Endpoint        string // custom endpoint (MinIO, R2); enables path-style addressing
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	URLTTL          time.Duration // lifetime of the presigned URLs handed out by Resolve
	Prefix          string        // key prefix, "artifacts" by default
}

// S3Sink uploads artifacts to S3 or an S3 compatible store
type S3Sink struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       S3Config
	logger    *zap.SugaredLogger
}

// NewS3Sink loads AWS configuration and creates the client. Static
// credentials are used when given, otherwise the default chain applies.
func NewS3Sink(ctx context.Context, cfg S3Config, logger *zap.SugaredLogger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 7 * 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "artifacts"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Sink{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		logger:    logger.Named("s3"),
	}, nil
}

// Upload puts the blob under <prefix>/<filename> and returns its s3://bucket/key reference
func (s *S3Sink) Upload(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	key := path.Join(s.cfg.Prefix, strings.TrimLeft(filename, "/"))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", errors.Wrapf(err, "put s3://%s/%s", s.cfg.Bucket, key)
	}

	s.logger.Infow("Artifact uploaded", "key", key, "size", len(data))
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// Resolve presigns a GET URL for an s3:// reference into this bucket.
// Any other reference is returned unchanged.
func (s *S3Sink) Resolve(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := parseS3Ref(ref)
	if !ok || bucket != s.cfg.Bucket {
		return ref, nil
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.URLTTL))
	if err != nil {
		return "", errors.Wrapf(err, "presign %s", ref)
	}
	return req.URL, nil
}

func parseS3Ref(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
