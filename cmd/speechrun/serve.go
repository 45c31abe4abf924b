package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/snarg/speechrun/internal/api"
	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/storage"
	"github.com/snarg/speechrun/internal/watch"
)

func cmdServe(ctx context.Context, a *app, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: speechrun serve [flags]")
		return exitUsage
	}
	srv, err := a.server(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("startup failed")
		return exitFailure
	}
	return a.serveUntilDone(ctx, srv, nil)
}

// cmdWatch runs every audio file dropped into INBOX_DIR and serves job
// status alongside.
func cmdWatch(ctx context.Context, a *app, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: speechrun watch [flags]")
		return exitUsage
	}
	if _, err := a.orchestrator(ctx); err != nil {
		a.log.Error().Err(err).Msg("startup failed")
		return exitFailure
	}
	srv, err := a.server(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("startup failed")
		return exitFailure
	}

	w := watch.New(watch.Options{
		Dir:      a.cfg.InboxDir,
		Workers:  a.cfg.Watch.Workers,
		Debounce: a.cfg.Watch.Debounce,
		Backfill: true,
		Log:      a.log,
	}, a.handleInbox)
	if err := w.Start(ctx); err != nil {
		a.log.Error().Err(err).Str("dir", a.cfg.InboxDir).Msg("failed to watch inbox")
		return exitFailure
	}
	return a.serveUntilDone(ctx, srv, w.Stop)
}

// handleInbox runs one inbox file unless its last manifest already
// records a clean run.
func (a *app) handleInbox(ctx context.Context, path string) error {
	src := orchestrator.Source{ID: orchestrator.SourceIDFromPath(path), Path: path}
	if a.completed(ctx, src.ID) {
		a.log.Info().Str("source", src.ID).Msg("already analyzed, skipping")
		return nil
	}
	out, err := a.process(ctx, src, modeRun)
	if err != nil {
		return err
	}
	if out.Status == results.StatusFailure {
		return fmt.Errorf("%s: run failed", src.ID)
	}
	return nil
}

func (a *app) completed(ctx context.Context, sourceID string) bool {
	key := orchestrator.ManifestKey(sourceID)
	if !a.results.Exists(ctx, key) {
		return false
	}
	data, err := storage.Load(ctx, a.results, key)
	if err != nil {
		return false
	}
	var out orchestrator.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return false
	}
	return out.Status == results.StatusSuccess
}

func (a *app) server(ctx context.Context) (*api.Server, error) {
	jobs, err := a.openJobs(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openResults()
	if err != nil {
		return nil, err
	}
	if _, err := a.openNotifier(); err != nil {
		a.log.Warn().Err(err).Msg("lifecycle notifications disabled")
	}
	a.registerCollector()

	opts := api.ServerOptions{
		Config:    a.cfg,
		Jobs:      jobs,
		Results:   store,
		Version:   version,
		StartTime: a.startTime,
		Log:       a.log,
	}
	// Typed nils must not reach the interface fields.
	if a.db != nil {
		opts.DB = a.db
	}
	if a.mqtt != nil {
		opts.MQTT = a.mqtt
	}
	return api.NewServer(opts), nil
}

// serveUntilDone runs srv until ctx is cancelled or the listener fails,
// then stops extra (if any) and shuts the server down.
func (a *app) serveUntilDone(ctx context.Context, srv *api.Server, extra func()) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	code := exitOK
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.log.Error().Err(err).Msg("http server error")
			code = exitFailure
		}
	}

	if extra != nil {
		extra()
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("http server shutdown error")
	}
	return code
}
