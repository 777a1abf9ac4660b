// Package report archives end-of-job migration reports.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Sink stores one report under key
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// FileSink writes reports below a local directory
type FileSink struct {
	root string
}

// NewFileSink creates the sink, creating root if needed
func NewFileSink(root string) (*FileSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &FileSink{root: root}, nil
}

// Put writes data to root/key atomically
func (s *FileSink) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}

	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("report written")
	return nil
}
