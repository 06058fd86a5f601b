// Package gcs implements the Google Cloud Storage checkpoint sink. Supports
// Application Default Credentials and service account JSON keys. Writes use a
// generation-zero precondition so an already anchored checkpoint is never
// replaced.
package gcs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tradeforge/compliance-backend/internal/anchor"
	appconfig "github.com/tradeforge/compliance-backend/internal/config"
)

func init() {
	anchor.Register("gcs", func(cfg *appconfig.Config) (anchor.Sink, error) {
		return New(&cfg.Anchor.GCS)
	})
}

// GCSSink writes checkpoints to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// New creates a GCS checkpoint sink. An empty CredentialsFile uses
// Application Default Credentials, which covers GOOGLE_APPLICATION_CREDENTIALS,
// the GCE/GKE metadata service, and gcloud auth application-default login.
func New(cfg *appconfig.GCSSinkConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	ctx := context.Background()
	var opts []option.ClientOption

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

// Name identifies the sink kind.
func (s *GCSSink) Name() string { return "gcs" }

// Put writes the payload with a DoesNotExist precondition, so a concurrent or
// repeated anchor of the same key fails instead of overwriting.
func (s *GCSSink) Put(ctx context.Context, key string, payload []byte) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write checkpoint to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize checkpoint upload to GCS: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Exists checks whether a checkpoint already exists at key.
func (s *GCSSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check checkpoint existence: %w", err)
	}
	return true, nil
}
