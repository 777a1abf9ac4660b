package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Option configures an S3Sink
type S3Option func(*s3Options)

type s3Options struct {
	region       string
	prefix       string
	endpoint     string
	usePathStyle bool
	accessKey    string
	secretKey    string
}

// WithRegion sets the AWS region (default: us-east-1)
func WithRegion(region string) S3Option {
	return func(o *s3Options) {
		o.region = region
	}
}

// WithS3Prefix prefixes every key
func WithS3Prefix(prefix string) S3Option {
	return func(o *s3Options) {
		o.prefix = prefix
	}
}

// WithEndpoint targets an S3-compatible service (MinIO, LocalStack) with
// path-style addressing
func WithEndpoint(endpoint string) S3Option {
	return func(o *s3Options) {
		o.endpoint = endpoint
		o.usePathStyle = true
	}
}

// WithStaticCredentials replaces the default credential chain
func WithStaticCredentials(accessKey, secretKey string) S3Option {
	return func(o *s3Options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// S3Sink stores reports as S3 objects
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads the AWS configuration and creates the sink
func NewS3Sink(ctx context.Context, bucket string, opts ...S3Option) (*S3Sink, error) {
	if bucket == "" {
		return nil, errors.New("s3 report sink: bucket is required")
	}
	o := &s3Options{region: "us-east-1"}
	for _, opt := range opts {
		opt(o)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(o.region)}
	if o.accessKey != "" && o.secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})
	return &S3Sink{client: client, bucket: bucket, prefix: o.prefix}, nil
}

// Put uploads data as a JSON object
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	objectKey := path.Join(s.prefix, key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, objectKey, err)
	}

	log.Debug().Str("bucket", s.bucket).Str("key", objectKey).Msg("report uploaded to s3")
	return nil
}
