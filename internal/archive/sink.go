package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives archived issue batches.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Name() string
}

// SinkType selects an archive backend.
type SinkType string

const (
	SinkFile SinkType = "file"
	SinkS3   SinkType = "s3"
	SinkGCS  SinkType = "gcs"
)

// SinkConfig describes where archives go.
type SinkConfig struct {
	Type   SinkType
	Dir    string
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint for MinIO or LocalStack.
	Endpoint string
}

// NewSink builds the configured sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", SinkFile:
		return NewFileSink(cfg.Dir)
	case SinkS3:
		return NewS3Sink(ctx, cfg)
	case SinkGCS:
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive sink: %s", cfg.Type)
	}
}

// FileSink writes archives under a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required for file sink")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file:" + s.dir }

// Put writes through a temp file so readers never see a partial archive.
func (s *FileSink) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.dir)+string(filepath.Separator)) {
		return fmt.Errorf("archive key %q escapes %s", key, s.dir)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}
