package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

		"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/metrics"
	"github.com/snarg/speechrun/internal/notify"
	"github.com/snarg/speechrun/internal/poller"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/storage"
	"github.com/snarg/speechrun/internal/vendor"
)

var (
	// ErrNothingToResume is returned by Resume for a source with no records.
	ErrNothingToResume = errors.New("no job records for source")

	errSplit = errors.New("split audio")

	// ErrPlanMismatch means stored records do not line up with the plan
	// recomputed for the source, usually because the file changed.
	ErrPlanMismatch = errors.New("stored jobs do not match the chunk plan")
)

// CancelPolicy decides what happens to submitted jobs when a run is cancelled.
type CancelPolicy string

const (
	CancelDrain   CancelPolicy = "drain"   // keep polling to a terminal state
	CancelAbandon CancelPolicy = "abandon" // mark abandoned and stop
)

// Submitter creates remote jobs.
type Submitter interface {
	Submit(ctx context.Context, ch chunk.AudioChunk, md vendor.Metadata) (vendor.JobHandle, error)
}

// Poller drives a record to a terminal state.
type Poller interface {
	PollUntilTerminal(ctx context.Context, rec job.Record) (job.Record, error)
}

// Fetcher returns the results of a succeeded job.
type Fetcher interface {
	Fetch(ctx context.Context, key job.Key) (results.Payload, error)
}

// Source is one audio input. Duration is probed when zero.
type Source struct {
	ID       string
	Path     string
	Duration time.Duration
}

// SourceIDFromPath derives a source id from a file name without its
// extension. Files with the same base name share job records.
func SourceIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ManifestEntry is the per-chunk line of a run manifest. State is empty
// for chunks that were never submitted.
type ManifestEntry struct {
	ChunkIndex  int           `json:"chunk_index"`
	StartOffset float64       `json:"start_offset"`
	Duration    float64       `json:"duration"`
	JobID       string        `json:"job_id,omitempty"`
	State       job.State     `json:"state,omitempty"`
	ErrorKind   job.ErrorKind `json:"error_kind,omitempty"`
	ResultPath  string        `json:"result_path,omitempty"`
}

// Outcome is the result of one run over a source.
type Outcome struct {
	RunID    string            `json:"run_id"`
	SourceID string            `json:"source_id"`
	Status   results.RunStatus `json:"status"`
	PlanMax  float64           `json:"plan_max"`
	Timeline results.Timeline  `json:"timeline"`
	Manifest []ManifestEntry   `json:"manifest"`
}

// Options wires an Orchestrator.
type Options struct {
	Submitter Submitter
	Poller    Poller
	Fetcher   Fetcher
	Jobs      job.Store
	Results   storage.ResultStore
	Splitter  chunk.Splitter
	Prober    chunk.Prober
	Notifier  notify.Notifier
	Clock     retry.Clock

	ChunkMax     time.Duration
	ChunkMin     time.Duration
	Concurrency  int
	MaxReplans   int
	CancelPolicy CancelPolicy
	Embeddings   bool

	Log zerolog.Logger
}

// Orchestrator runs sources through plan, submit, poll, fetch and merge.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.CancelPolicy == "" {
		opts.CancelPolicy = CancelDrain
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = retry.SystemClock{}
	}
	return &Orchestrator{
		opts: opts,
		log:  opts.Log.With().Str("component", "orchestrator").Logger(),
	}
}

// chunkResult is what one worker reports for one window.
type chunkResult struct {
	rec      *job.Record
	kind     job.ErrorKind
	segments []results.Segment
	fetched  bool
}

// Resume continues a previous run. It fails with ErrNothingToResume if the
// source has no records.
func (o *Orchestrator) Resume(ctx context.Context, src Source) (*Outcome, error) {
	recs, err := o.opts.Jobs.List(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", src.ID, ErrNothingToResume)
	}
	return o.run(ctx, src, false)
}

// RetryFailed resumes a source and resubmits every chunk whose record
// ended failed, timed out or abandoned. Succeeded chunks are left alone.
func (o *Orchestrator) RetryFailed(ctx context.Context, src Source) (*Outcome, error) {
	recs, err := o.opts.Jobs.List(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", src.ID, ErrNothingToResume)
	}
	return o.run(ctx, src, true)
}

// Run processes a source to completion. Chunks that already have a job
// record are never resubmitted: incomplete ones are polled again and
// succeeded ones are fetched from storage. When ctx is cancelled no new
// chunk is submitted and the outcome is returned together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, src Source) (*Outcome, error) {
	return o.run(ctx, src, false)
}

func (o *Orchestrator) run(ctx context.Context, src Source, retryFailed bool) (*Outcome, error) {
	runID := uuid.NewString()
	log := o.log.With().Str("source", src.ID).Str("run_id", runID).Logger()

	existing, err := o.opts.Jobs.List(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	total := src.Duration
	if total <= 0 {
		if o.opts.Prober == nil {
			return nil, fmt.Errorf("%s: duration unknown and no prober configured", src.ID)
		}
		if total, err = o.opts.Prober.Probe(ctx, src.Path); err != nil {
			return nil, err
		}
	}

	planMax := o.opts.ChunkMax
	if len(existing) > 0 && existing[0].PlanMax > 0 {
		planMax = existing[0].PlanMax
	}
	windows, err := chunk.Plan(total, planMax, o.opts.ChunkMin)
	if err != nil {
		return nil, err
	}
	have, err := matchRecords(windows, existing)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.ID, err)
	}

	log.Info().
		Dur("total", total).
		Dur("plan_max", planMax).
		Int("chunks", len(windows)).
		Int("existing", len(existing)).
		Bool("retry_failed", retryFailed).
		Msg("run started")

	out := make([]chunkResult, len(windows))
	start := 0
	if len(existing) == 0 {
		// The first window is submitted alone: it is never smaller than any
		// other except the merged tail, so a size rejection here re-plans
		// the whole source before anything else is sent.
		var first chunkResult
		windows, planMax, first = o.submitFirst(ctx, runID, src, windows, planMax, log)
		out = make([]chunkResult, len(windows))
		if first.rec != nil {
			have[0] = *first.rec
		} else {
			out[0] = first
			start = 1
		}
	}

	tasks := make(chan chunk.Window)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlog := log.With().Int("worker", id).Logger()
			for w := range tasks {
				var rec *job.Record
				if r, ok := have[w.Index]; ok {
					rec = &r
				}
				if rec != nil && retryFailed && rec.State.Rerunnable() {
					out[w.Index] = o.resubmit(ctx, runID, src, w, len(windows) == 1, planMax, *rec, wlog)
					continue
				}
				out[w.Index] = o.process(ctx, runID, src, w, len(windows) == 1, planMax, rec, wlog)
			}
		}(i)
	}
	for _, w := range windows[start:] {
		tasks <- w
	}
	close(tasks)
	wg.Wait()

	outcome := o.assemble(runID, src.ID, planMax, windows, out)
	if err := o.saveManifest(context.WithoutCancel(ctx), outcome); err != nil {
		log.Error().Err(err).Msg("write manifest failed")
	}
	metrics.RunsTotal.WithLabelValues(string(outcome.Status)).Inc()
	o.opts.Notifier.Publish(context.WithoutCancel(ctx), notify.Event{
		Type:     notify.EventRun,
		RunID:    runID,
		SourceID: src.ID,
		Status:   string(outcome.Status),
		Time:     o.opts.Clock.Now(),
	})
	log.Info().
		Str("status", string(outcome.Status)).
		Int("segments", len(outcome.Timeline.Segments)).
		Int("gaps", len(outcome.Timeline.Gaps)).
		Msg("run finished")

	return outcome, ctx.Err()
}

// matchRecords indexes existing records by chunk and checks they belong to
// the plan.
func matchRecords(windows []chunk.Window, existing []job.Record) (map[int]job.Record, error) {
	have := make(map[int]job.Record, len(existing))
	for _, r := range existing {
		if r.ChunkIndex >= len(windows) {
			return nil, fmt.Errorf("%w: chunk %d beyond %d planned", ErrPlanMismatch, r.ChunkIndex, len(windows))
		}
		w := windows[r.ChunkIndex]
		if r.StartOffset != w.Start || r.Duration != w.Duration {
			return nil, fmt.Errorf("%w: chunk %d stored [%s,+%s) planned [%s,+%s)",
				ErrPlanMismatch, r.ChunkIndex, r.StartOffset, r.Duration, w.Start, w.Duration)
		}
		have[r.ChunkIndex] = r
	}
	return have, nil
}

// submitFirst submits window 0, shrinking the plan on payload-too-large
// up to MaxReplans times. It returns the final plan and the first
// window's result; a nil rec means the submission failed.
func (o *Orchestrator) submitFirst(ctx context.Context, runID string, src Source, windows []chunk.Window, planMax time.Duration, log zerolog.Logger) ([]chunk.Window, time.Duration, chunkResult) {
	for replans := 0; ; replans++ {
		rec, err := o.submit(ctx, runID, src, windows[0], len(windows) == 1, planMax, false)
		if err == nil {
			return windows, planMax, chunkResult{rec: &rec}
		}
		kind := errorKind(err)
		if kind != job.KindPayloadTooLarge || replans >= o.opts.MaxReplans {
			log.Error().Err(err).Str("kind", string(kind)).Msg("submit chunk 0 failed")
			return windows, planMax, chunkResult{kind: kind}
		}
		// A source shorter than the plan was sent whole; shrink from what
		// was actually rejected.
		from := planMax
		if d := windows[0].Duration; d < from {
			from = d
		}
		next, serr := chunk.Shrink(from, o.opts.ChunkMin)
		if serr != nil {
			log.Error().Err(err).Msg("chunk rejected as too large at minimum size")
			return windows, planMax, chunkResult{kind: kind}
		}
		total := windows[len(windows)-1].End()
		nw, perr := chunk.Plan(total, next, o.opts.ChunkMin)
		if perr != nil {
			return windows, planMax, chunkResult{kind: job.KindConfiguration}
		}
		metrics.ReplansTotal.Inc()
		log.Warn().Dur("from", planMax).Dur("to", next).Int("chunks", len(nw)).Msg("payload too large, re-planning")
		windows, planMax = nw, next
	}
}

// submit splits and uploads one window and records the new job. With
// replace set the new record takes the place of a rerunnable one.
func (o *Orchestrator) submit(ctx context.Context, runID string, src Source, w chunk.Window, whole bool, planMax time.Duration, replace bool) (job.Record, error) {
	path, err := o.opts.Splitter.Split(ctx, src.Path, w, whole)
	if err != nil {
		return job.Record{}, fmt.Errorf("%w: %w", errSplit, err)
	}
	ac := chunk.Build(src.ID, []chunk.Window{w}, func(chunk.Window) string { return path })[0]
	h, err := o.opts.Submitter.Submit(ctx, ac, vendor.Metadata{
		Name:       fmt.Sprintf("%s_chunk%03d", src.ID, w.Index),
		Embeddings: o.opts.Embeddings,
		Meta: map[string]any{
			"source_id":    src.ID,
			"chunk_index":  w.Index,
			"start_offset": w.Start.Seconds(),
			"run_id":       runID,
		},
	})
	if err != nil {
		return job.Record{}, err
	}

	created := h.SubmittedAt
	if created.IsZero() {
		created = o.opts.Clock.Now()
	}
	rec := job.Record{
		JobID:         h.ID,
		SourceID:      src.ID,
		ChunkIndex:    w.Index,
		RunID:         runID,
		State:         job.StatePending,
		StartOffset:   w.Start,
		Duration:      w.Duration,
		PlanMax:       planMax,
		LocalPath:     path,
		CreatedAt:     created,
		StatusMessage: h.StatusMessage,
	}
	// The remote job exists from here on; losing the record would orphan it.
	save := o.opts.Jobs.Upsert
	if replace {
		save = o.opts.Jobs.Replace
	}
	if err := save(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Error().Err(err).Str("job_id", h.ID).Int("chunk", w.Index).Msg("submitted job could not be recorded")
		return job.Record{}, fmt.Errorf("record job %s: %w", h.ID, err)
	}
	o.opts.Notifier.Publish(ctx, notify.JobEvent(rec))
	return rec, nil
}

// process takes one window from wherever it stands to a terminal record
// and, on success, its segments.
func (o *Orchestrator) process(ctx context.Context, runID string, src Source, w chunk.Window, whole bool, planMax time.Duration, rec *job.Record, log zerolog.Logger) chunkResult {
	log = log.With().Int("chunk", w.Index).Logger()

	if rec == nil {
		if ctx.Err() != nil {
			return chunkResult{kind: job.KindAbandoned}
		}
		r, err := o.submit(ctx, runID, src, w, whole, planMax, false)
		if err != nil {
			kind := errorKind(err)
			log.Error().Err(err).Str("kind", string(kind)).Msg("submit failed")
			return chunkResult{kind: kind}
		}
		rec = &r
	}

	pollCtx := ctx
	if o.opts.CancelPolicy == CancelDrain {
		pollCtx = context.WithoutCancel(ctx)
	}
	final, err := o.opts.Poller.PollUntilTerminal(pollCtx, *rec)
	switch {
	case err == nil, errors.Is(err, poller.ErrTimeout):
	case ctx.Err() != nil && !final.State.Terminal():
		final = o.abandon(ctx, final, log)
	default:
		log.Error().Err(err).Msg("poll failed")
		return chunkResult{rec: &final, kind: errorKind(err)}
	}

	if final.State != job.StateSucceeded {
		return chunkResult{rec: &final, kind: final.ErrorKind}
	}

	// Results of finished jobs are collected even after cancellation.
	p, err := o.opts.Fetcher.Fetch(context.WithoutCancel(ctx), final.Key())
	if err != nil {
		log.Error().Err(err).Msg("fetch results failed")
		return chunkResult{rec: &final, kind: job.KindFetch}
	}
	if stored, gerr := o.opts.Jobs.Get(context.WithoutCancel(ctx), final.SourceID, final.ChunkIndex); gerr == nil {
		final = stored
	}
	return chunkResult{rec: &final, segments: p.Results, fetched: true}
}

// resubmit replaces a failed, timed out or abandoned record with a new
// job and processes it like a fresh chunk. When the new submission fails
// the old record stays as it was.
func (o *Orchestrator) resubmit(ctx context.Context, runID string, src Source, w chunk.Window, whole bool, planMax time.Duration, prev job.Record, log zerolog.Logger) chunkResult {
	clog := log.With().Int("chunk", w.Index).Logger()
	if ctx.Err() != nil {
		return chunkResult{rec: &prev, kind: prev.ErrorKind}
	}
	r, err := o.submit(ctx, runID, src, w, whole, planMax, true)
	if err != nil {
		kind := errorKind(err)
		clog.Error().Err(err).Str("kind", string(kind)).Msg("resubmit failed")
		return chunkResult{rec: &prev, kind: kind}
	}
	clog.Info().
		Str("previous_job_id", prev.JobID).
		Str("previous_state", string(prev.State)).
		Str("job_id", r.JobID).
		Msg("chunk resubmitted")
	return o.process(ctx, runID, src, w, whole, planMax, &r, log)
}

func (o *Orchestrator) abandon(ctx context.Context, rec job.Record, log zerolog.Logger) job.Record {
	rec.State = job.StateAbandoned
	rec.ErrorKind = job.KindAbandoned
	if err := o.opts.Jobs.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Msg("mark abandoned failed")
		return rec
	}
	metrics.JobsTerminalTotal.WithLabelValues(string(rec.State), string(rec.ErrorKind)).Inc()
	o.opts.Notifier.Publish(context.WithoutCancel(ctx), notify.JobEvent(rec))
	log.Warn().Str("job_id", rec.JobID).Msg("job abandoned")
	return rec
}

func (o *Orchestrator) assemble(runID, sourceID string, planMax time.Duration, windows []chunk.Window, out []chunkResult) *Outcome {
	crs := make([]results.ChunkResult, len(windows))
	manifest := make([]ManifestEntry, len(windows))
	for i, w := range windows {
		r := out[i]
		crs[i] = results.ChunkResult{Index: w.Index, Offset: w.Start, Duration: w.Duration}
		m := ManifestEntry{ChunkIndex: w.Index, StartOffset: w.Start.Seconds(), Duration: w.Duration.Seconds(), ErrorKind: r.kind}
		if r.rec != nil {
			m.JobID = r.rec.JobID
			m.State = r.rec.State
			m.ResultPath = r.rec.ResultPath
			if m.ErrorKind == "" {
				m.ErrorKind = r.rec.ErrorKind
			}
		}
		if r.fetched {
			crs[i].Segments = r.segments
		} else {
			crs[i].Missing = true
			crs[i].Reason = gapReason(m)
		}
		manifest[i] = m
	}
	tl := results.Merge(crs)
	return &Outcome{
		RunID:    runID,
		SourceID: sourceID,
		Status:   tl.Status(),
		PlanMax:  planMax.Seconds(),
		Timeline: tl,
		Manifest: manifest,
	}
}

func gapReason(m ManifestEntry) string {
	switch {
	case m.ErrorKind != "":
		return string(m.ErrorKind)
	case m.State != "":
		return string(m.State)
	default:
		return "not submitted"
	}
}

// ManifestKey is the storage key of a source's latest outcome.
func ManifestKey(sourceID string) string {
	return job.SafeName(sourceID) + "/manifest.json"
}

func (o *Orchestrator) saveManifest(ctx context.Context, out *Outcome) error {
	if o.opts.Results == nil {
		return nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return o.opts.Results.Save(ctx, ManifestKey(out.SourceID), data, "application/json")
}

// errorKind maps an error from any stage onto the manifest taxonomy.
func errorKind(err error) job.ErrorKind {
	if k := vendor.KindOf(err); k != "" {
		return k
	}
	switch {
	case errors.Is(err, context.Canceled):
		return job.KindAbandoned
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, poller.ErrTimeout):
		return job.KindTimeout
	case errors.Is(err, errSplit), errors.Is(err, chunk.ErrInvalidPolicy):
		return job.KindConfiguration
	case errors.Is(err, results.ErrNotReady):
		return job.KindFetch
	default:
		return job.KindServer
	}
}
