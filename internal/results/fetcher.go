package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/storage"
)

// ErrNotReady is returned by Fetch for a job that has not succeeded.
var ErrNotReady = errors.New("job has not succeeded")

// ResultSource downloads a finished job's results document.
type ResultSource interface {
	Results(ctx context.Context, pid string) ([]byte, error)
}

// Fetcher retrieves results for succeeded jobs, storing them on first
// fetch and serving the stored copy afterwards.
type Fetcher struct {
	src   ResultSource
	jobs  job.Store
	store storage.ResultStore
	log   zerolog.Logger
}

func NewFetcher(src ResultSource, jobs job.Store, store storage.ResultStore, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		src:   src,
		jobs:  jobs,
		store: store,
		log:   log.With().Str("component", "results").Logger(),
	}
}

// ResultKey is the storage key of a chunk's results document.
func ResultKey(k job.Key) string {
	return fmt.Sprintf("%s/chunk-%04d.json", job.SafeName(k.SourceID), k.ChunkIndex)
}

// Fetch returns the results for the chunk identified by key. Repeated calls
// return byte-identical payloads.
func (f *Fetcher) Fetch(ctx context.Context, key job.Key) (Payload, error) {
	rec, err := f.jobs.Get(ctx, key.SourceID, key.ChunkIndex)
	if err != nil {
		return Payload{}, err
	}
	if rec.State != job.StateSucceeded {
		return Payload{}, fmt.Errorf("%s is %s: %w", key, rec.State, ErrNotReady)
	}

	if rec.ResultPath != "" && f.store.Exists(ctx, rec.ResultPath) {
		raw, err := storage.Load(ctx, f.store, rec.ResultPath)
		if err != nil {
			return Payload{}, fmt.Errorf("load stored results for %s: %w", key, err)
		}
		return Decode(raw, key.ChunkIndex)
	}

	raw, err := f.src.Results(ctx, rec.JobID)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch results for %s: %w", key, err)
	}
	p, err := Decode(raw, key.ChunkIndex)
	if err != nil {
		return Payload{}, err
	}

	path := ResultKey(key)
	if err := f.store.Save(ctx, path, raw, "application/json"); err != nil {
		return Payload{}, fmt.Errorf("store results for %s: %w", key, err)
	}
	rec.ResultPath = path
	if err := f.jobs.Upsert(ctx, rec); err != nil {
		return Payload{}, fmt.Errorf("record result path for %s: %w", key, err)
	}
	f.log.Info().
		Str("source", key.SourceID).
		Int("chunk", key.ChunkIndex).
		Str("pid", rec.JobID).
		Int("segments", len(p.Results)).
		Str("path", path).
		Msg("results stored")
	return p, nil
}
