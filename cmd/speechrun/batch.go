package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/report"
	"github.com/snarg/speechrun/internal/results"
)

func cmdRun(ctx context.Context, a *app, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: speechrun run [flags] <file>")
		return exitUsage
	}
	id := a.sourceID
	if id == "" {
		id = orchestrator.SourceIDFromPath(args[0])
	}
	return a.batch(ctx, orchestrator.Source{ID: id, Path: args[0]}, modeRun)
}

func cmdResume(ctx context.Context, a *app, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: speechrun resume [flags] <source-id> <file>")
		return exitUsage
	}
	mode := modeResume
	if a.retryFailed {
		mode = modeRetryFailed
	}
	return a.batch(ctx, orchestrator.Source{ID: args[0], Path: args[1]}, mode)
}

// runMode selects how existing job records are treated.
type runMode int

const (
	modeRun runMode = iota
	modeResume
	modeRetryFailed
)

// batch runs one source and writes its report. The exit code reflects the
// run status: partial runs exit with exitPartial.
func (a *app) batch(ctx context.Context, src orchestrator.Source, mode runMode) int {
	if _, err := os.Stat(src.Path); err != nil {
		a.log.Error().Err(err).Str("path", src.Path).Msg("audio file not readable")
		return exitFailure
	}
	out, err := a.process(ctx, src, mode)
	if out == nil {
		a.log.Error().Err(err).Str("source", src.ID).Msg("run failed")
		if errors.Is(err, orchestrator.ErrNothingToResume) || errors.Is(err, orchestrator.ErrPlanMismatch) {
			return exitUsage
		}
		return exitFailure
	}
	if err != nil {
		a.log.Warn().Err(err).Str("source", src.ID).Msg("run interrupted; resume to finish")
	}
	fmt.Println(report.Summarize(out.Timeline).String())

	switch out.Status {
	case results.StatusSuccess:
		return exitOK
	case results.StatusPartialSuccess:
		return exitPartial
	default:
		return exitFailure
	}
}

// process runs or resumes src and writes the text report next to the
// other reports. The outcome is returned even when ctx was cancelled.
func (a *app) process(ctx context.Context, src orchestrator.Source, mode runMode) (*orchestrator.Outcome, error) {
	o, err := a.orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	var out *orchestrator.Outcome
	switch mode {
	case modeResume:
		out, err = o.Resume(ctx, src)
	case modeRetryFailed:
		out, err = o.RetryFailed(ctx, src)
	default:
		out, err = o.Run(ctx, src)
	}
	if out == nil {
		return nil, err
	}
	path, rerr := a.writeReport(src, out)
	if rerr != nil {
		a.log.Error().Err(rerr).Msg("failed to write report")
	} else {
		a.log.Info().
			Str("source", src.ID).
			Str("status", string(out.Status)).
			Int("segments", len(out.Timeline.Segments)).
			Int("gaps", len(out.Timeline.Gaps)).
			Str("report", path).
			Msg("run complete")
	}
	return out, err
}

func (a *app) writeReport(src orchestrator.Source, out *orchestrator.Outcome) (string, error) {
	if err := os.MkdirAll(a.cfg.ReportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.cfg.ReportDir, job.SafeName(src.ID)+"_report.txt")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	dur := src.Duration
	if n := len(out.Manifest); dur == 0 && n > 0 {
		last := out.Manifest[n-1]
		dur = time.Duration((last.StartOffset + last.Duration) * float64(time.Second))
	}
	meta := report.Meta{
		SourceID: src.ID,
		Path:     src.Path,
		Duration: dur,
		RunID:    out.RunID,
		Status:   out.Status,
		Manifest: out.Manifest,
	}
	if err := report.Render(f, out.Timeline, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, os.Rename(tmp, path)
}
