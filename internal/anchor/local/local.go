// Package local implements the local filesystem checkpoint sink. Suitable for
// development and for deployments where an operator copies the checkpoint
// directory to offline media; a checkpoint on the same host as the database
// only protects against database-level tampering, not host compromise.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tradeforge/compliance-backend/internal/anchor"
	"github.com/tradeforge/compliance-backend/internal/config"
)

func init() {
	anchor.Register("local", func(cfg *config.Config) (anchor.Sink, error) {
		return New(&cfg.Anchor.Local)
	})
}

// LocalSink writes checkpoints under a base directory.
type LocalSink struct {
	basePath string
}

// New creates a local filesystem sink rooted at cfg.BasePath.
func New(cfg *config.LocalSinkConfig) (*LocalSink, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &LocalSink{basePath: cfg.BasePath}, nil
}

// Name identifies the sink kind.
func (s *LocalSink) Name() string { return "local" }

// Put writes the payload to basePath/key. An existing checkpoint is never
// overwritten.
func (s *LocalSink) Put(ctx context.Context, key string, payload []byte) (string, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0440)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("checkpoint already exists: %s", key)
		}
		return "", fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return fullPath, nil
}

// Exists reports whether a checkpoint file exists at key.
func (s *LocalSink) Exists(ctx context.Context, key string) (bool, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	return true, nil
}
