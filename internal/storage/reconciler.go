package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// backupTarget is the subset of S3Store the reconciler needs.
type backupTarget interface {
	Exists(ctx context.Context, key string) bool
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// UploadReconciler scans the local result directory for documents missing
// from S3 and re-uploads them. Covers failed backup writes in TieredStore
// and crashes between the local and remote write.
type UploadReconciler struct {
	dir      string
	remote   backupTarget
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewUploadReconciler creates a reconciler that checks for missing S3 uploads.
func NewUploadReconciler(dir string, remote backupTarget, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		dir:      dir,
		remote:   remote,
		interval: 5 * time.Minute,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }

func (r *UploadReconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *UploadReconciler) loop() {
	defer close(r.done)
	r.Reconcile(context.Background())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stop:
			return
		}
	}
}

// Reconcile runs one pass and returns the number of documents uploaded.
func (r *UploadReconciler) Reconcile(ctx context.Context) int {
	var uploaded, failed, checked int

	filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".result-") || !strings.HasSuffix(name, ".json") {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		checked++

		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		exists := r.remote.Exists(hctx, key)
		cancel()
		if exists {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if saveErr := r.remote.Save(sctx, key, data, "application/json"); saveErr != nil {
			r.log.Warn().Err(saveErr).Str("key", key).Msg("reconcile upload failed")
			failed++
		} else {
			uploaded++
		}
		cancel()
		return nil
	})

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return uploaded
}
