package report

import (
	"context"
	"errors"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// GCSSink stores reports as Cloud Storage objects
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates the sink with Application Default Credentials unless
// opts say otherwise
func NewGCSSink(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSSink, error) {
	if bucket == "" {
		return nil, errors.New("gcs report sink: bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put uploads data as a JSON object
func (s *GCSSink) Put(ctx context.Context, key string, data []byte) error {
	objectKey := path.Join(s.prefix, key)
	w := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, objectKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", s.bucket, objectKey, err)
	}

	log.Debug().Str("bucket", s.bucket).Str("key", objectKey).Msg("report uploaded to gcs")
	return nil
}

// Close releases the client
func (s *GCSSink) Close() error {
	return s.client.Close()
}
