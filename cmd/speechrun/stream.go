package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/report"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/stream"
)

func cmdStream(ctx context.Context, a *app, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: speechrun stream [flags] <file>")
		return exitUsage
	}
	path := args[0]
	if err := a.cfg.RequireStreamCredentials(); err != nil {
		a.log.Error().Err(err).Msg("stream needs credentials")
		return exitFailure
	}
	sc := a.cfg.Stream
	scfg := stream.Config{Encoding: sc.Encoding, SampleRateHertz: sc.SampleRate, Level: sc.Level}

	pcm, err := stream.DecodePCM(ctx, path, sc.Encoding, sc.SampleRate)
	if err != nil {
		a.log.Error().Err(err).Str("path", path).Msg("failed to decode audio")
		return exitFailure
	}
	defer pcm.Close()
	pacer, err := stream.NewPacer(pcm, scfg, sc.FrameDuration, sc.Realtime, retry.SystemClock{})
	if err != nil {
		a.log.Error().Err(err).Msg("invalid stream settings")
		return exitFailure
	}

	tr, err := stream.DialWS(ctx, a.cfg.StreamURL, a.cfg.ClientID, a.cfg.APIKey)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to open stream")
		return exitFailure
	}
	sess := stream.NewSession(tr, stream.Options{
		MinFrame:     sc.MinFrame,
		MaxFrame:     sc.MaxFrame,
		DrainTimeout: sc.DrainTimeout,
		Log:          a.log,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go logResults(&wg, a.log, sess.SegmentResults())
	go logResults(&wg, a.log, sess.UtteranceResults())

	err = sess.SendConfig(ctx, scfg)
	if err == nil {
		err = stream.Pump(ctx, pacer, sess)
	}
	if err != nil {
		a.log.Error().Err(err).Msg("streaming stopped early")
	}
	// CloseSend drains even after a cancelled send so results already in
	// flight are kept.
	if cerr := sess.CloseSend(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	wg.Wait()

	segs, utts := sess.Segments(), sess.Utterances()
	out, werr := a.writeStreamReport(path, segs, utts)
	if werr != nil {
		a.log.Error().Err(werr).Msg("failed to write report")
	}
	a.log.Info().
		Dur("audio_sent", pacer.Sent()).
		Int("segments", len(segs)).
		Int("utterances", len(utts)).
		Str("state", sess.State().String()).
		Str("report", out).
		Msg("stream finished")

	if err != nil {
		return exitFailure
	}
	return exitOK
}

func logResults(wg *sync.WaitGroup, log zerolog.Logger, ch <-chan results.Segment) {
	defer wg.Done()
	for seg := range ch {
		log.Info().
			Str("granularity", string(seg.Granularity)).
			Str("task", seg.Task).
			Str("label", seg.FinalLabel).
			Float64("start", seg.Start).
			Float64("end", seg.End).
			Msg("result")
	}
}

func (a *app) writeStreamReport(path string, segs, utts []results.Segment) (string, error) {
	if err := os.MkdirAll(a.cfg.ReportDir, 0o755); err != nil {
		return "", err
	}
	id := a.sourceID
	if id == "" {
		id = orchestrator.SourceIDFromPath(path)
	}
	out := filepath.Join(a.cfg.ReportDir, job.SafeName(id)+"_stream.md")
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if err := report.RenderMarkdown(f, "Streaming analysis: "+filepath.Base(path), segs, utts); err != nil {
		f.Close()
		return "", err
	}
	return out, f.Close()
}
