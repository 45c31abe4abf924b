package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/config"
)

// ResultStore abstracts where fetched result documents and run manifests
// live. Keys are slash-separated: {source}/chunk-NNNN.json.
type ResultStore interface {
	// Save stores data atomically; a concurrent Open sees either the old
	// document or the new one, never a partial write.
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for a stored document.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a document exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Load reads a whole document.
func Load(ctx context.Context, s ResultStore, key string) ([]byte, error) {
	r, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// New creates a ResultStore based on config. Returns the store and optional
// background services (reconciler) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, resultDir string, log zerolog.Logger) (ResultStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(resultDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	local := NewLocalStore(resultDir)
	tiered := NewTieredStore(s3store, local, log)
	reconciler := NewUploadReconciler(resultDir, s3store, log)

	return tiered, []BackgroundService{reconciler}, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
