package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/bsapi"
	"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/poller"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/storage"
	"github.com/snarg/speechrun/internal/vendor"
)

const sec = time.Second

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeVendor scripts the remote API per chunk index.
type fakeVendor struct {
	mu       sync.Mutex
	submits  []chunk.AudioChunk
	polls    map[string]int
	pids     map[string]int
	codes    map[int][]int   // status codes per chunk, last one repeats
	failing  map[int]error   // submit error per chunk
	maxSize  time.Duration   // larger chunks are rejected with 413
	onSubmit func(chunk.AudioChunk)
}

func newVendor() *fakeVendor {
	return &fakeVendor{
		polls:   make(map[string]int),
		pids:    make(map[string]int),
		codes:   make(map[int][]int),
		failing: make(map[int]error),
	}
}

func (v *fakeVendor) Submit(ctx context.Context, ch chunk.AudioChunk, md vendor.Metadata) (vendor.JobHandle, error) {
	v.mu.Lock()
	v.submits = append(v.submits, ch)
	n := len(v.submits)
	hook := v.onSubmit
	v.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	if v.maxSize > 0 && ch.Duration > v.maxSize {
		return vendor.JobHandle{}, &vendor.APIError{Op: "submit", Kind: job.KindPayloadTooLarge, StatusCode: 413}
	}
	if err := v.failing[ch.Index]; err != nil {
		return vendor.JobHandle{}, err
	}
	pid := fmt.Sprintf("pid-%d", n)
	v.mu.Lock()
	v.pids[pid] = ch.Index
	v.mu.Unlock()
	return vendor.JobHandle{ID: pid, Name: md.Name}, nil
}

func (v *fakeVendor) Status(ctx context.Context, pid string) (vendor.StatusReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.pids[pid]
	codes := v.codes[idx]
	code := 2
	if len(codes) > 0 {
		code = codes[len(codes)-1]
		if n := v.polls[pid]; n < len(codes) {
			code = codes[n]
		}
	}
	v.polls[pid]++
	rep := vendor.StatusReport{JobID: pid, Code: code, Class: bsapi.Classify(code)}
	if rep.Class == vendor.ClassFailedFatal {
		rep.Kind = job.KindQuota
	}
	return rep, nil
}

func (v *fakeVendor) Results(ctx context.Context, pid string) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"pid":%q,"code":2,"results":[{"id":"s-%s","startTime":"1.0","endTime":"2.0","task":"emotion","finalLabel":"neutral"}]}`, pid, pid)), nil
}

func (v *fakeVendor) submitted() []chunk.AudioChunk {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]chunk.AudioChunk(nil), v.submits...)
}

type pathSplitter struct{}

func (pathSplitter) Split(ctx context.Context, src string, w chunk.Window, whole bool) (string, error) {
	if whole {
		return src, nil
	}
	return chunk.ChunkFileName(src, w), nil
}

type harness struct {
	orch    *Orchestrator
	vendor  *fakeVendor
	jobs    *job.FileStore
	results *storage.LocalStore
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	jobs, err := job.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := retry.NewManaged(epoch)
	fv := newVendor()
	store := storage.NewLocalStore(t.TempDir())
	pl := poller.New(fv, jobs, clock, poller.Options{Interval: 5 * sec, MaxWait: time.Hour, RetryBudget: 1}, zerolog.Nop())
	opts := Options{
		Submitter:    fv,
		Poller:       pl,
		Fetcher:      results.NewFetcher(fv, jobs, store, zerolog.Nop()),
		Jobs:         jobs,
		Results:      store,
		Splitter:     pathSplitter{},
		Clock:        clock,
		ChunkMax:     60 * sec,
		ChunkMin:     20 * sec,
		Concurrency:  2,
		MaxReplans:   2,
		CancelPolicy: CancelDrain,
		Log:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{orch: New(opts), vendor: fv, jobs: jobs, results: store}
}

// ── Run ──

func TestRunSingleChunk(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 45 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != results.StatusSuccess || len(out.Timeline.Segments) != 1 {
		t.Errorf("outcome = %+v", out)
	}
	subs := h.vendor.submitted()
	if len(subs) != 1 || subs[0].LocalPath != "/in/talk.mp3" {
		t.Errorf("submits = %+v", subs)
	}
	if out.Manifest[0].State != job.StateSucceeded || out.Manifest[0].ResultPath == "" {
		t.Errorf("manifest = %+v", out.Manifest)
	}
}

func TestRunMultiChunkOffsets(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 125 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Manifest) != 2 || len(out.Timeline.Segments) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if s := out.Timeline.Segments[1]; s.Start != 61 || s.End != 62 || s.ChunkIndex != 1 {
		t.Errorf("second segment = %+v", s)
	}
	recs, _ := h.jobs.List(context.Background(), "talk")
	for _, r := range recs {
		if r.State != job.StateSucceeded || r.PlanMax != 60*sec {
			t.Errorf("record %d = %+v", r.ChunkIndex, r)
		}
	}
}

func TestRunPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.codes[1] = []int{1, -2}

	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 180 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != results.StatusPartialSuccess {
		t.Errorf("Status = %s, want partial_success", out.Status)
	}
	if len(out.Timeline.Gaps) != 1 || out.Timeline.Gaps[0].ChunkIndex != 1 || out.Timeline.Gaps[0].Reason != "quota" {
		t.Errorf("gaps = %+v", out.Timeline.Gaps)
	}
	chunks := map[int]bool{}
	for _, s := range out.Timeline.Segments {
		chunks[s.ChunkIndex] = true
	}
	if !chunks[0] || !chunks[2] || chunks[1] {
		t.Errorf("segment chunks = %v", chunks)
	}
	if m := out.Manifest[1]; m.State != job.StateFailed || m.ErrorKind != job.KindQuota {
		t.Errorf("manifest[1] = %+v", m)
	}
}

func TestRunSubmitAuthErrorIsPerChunk(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.failing[2] = &vendor.APIError{Op: "submit", Kind: job.KindAuth, StatusCode: 403}

	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 180 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m := out.Manifest[2]; m.JobID != "" || m.ErrorKind != job.KindAuth {
		t.Errorf("manifest[2] = %+v", m)
	}
	if _, err := h.jobs.Get(context.Background(), "talk", 2); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("record for unsubmitted chunk: %v", err)
	}
	if out.Status != results.StatusPartialSuccess {
		t.Errorf("Status = %s", out.Status)
	}
}

func TestRunWritesManifest(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.orch.Run(context.Background(), Source{ID: "a/b", Path: "/in/ab.wav", Duration: 30 * sec})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := storage.Load(context.Background(), h.results, ManifestKey("a/b"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	var saved Outcome
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.RunID != out.RunID || saved.Status != results.StatusSuccess {
		t.Errorf("saved = %+v", saved)
	}
}

func TestRunInvalidPolicy(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ChunkMin = 2 * time.Minute })
	_, err := h.orch.Run(context.Background(), Source{ID: "x", Path: "/in/x.mp3", Duration: time.Minute})
	if !errors.Is(err, chunk.ErrInvalidPolicy) {
		t.Errorf("err = %v, want ErrInvalidPolicy", err)
	}
}

// ── Resume ──

func TestResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	base := job.Record{SourceID: "talk", PlanMax: 60 * sec, CreatedAt: epoch}

	done := base
	done.JobID, done.ChunkIndex, done.State, done.Duration = "old-0", 0, job.StateSucceeded, 60*sec
	pending := base
	pending.JobID, pending.ChunkIndex, pending.State = "old-1", 1, job.StatePending
	pending.StartOffset, pending.Duration = 60*sec, 65*sec
	for _, r := range []job.Record{done, pending} {
		if err := h.jobs.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	h.vendor.pids["old-1"] = 1

	out, err := h.orch.Resume(ctx, Source{ID: "talk", Path: "/in/talk.mp3", Duration: 125 * sec})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n := len(h.vendor.submitted()); n != 0 {
		t.Errorf("submits = %d, want 0", n)
	}
	if h.vendor.polls["old-0"] != 0 || h.vendor.polls["old-1"] != 1 {
		t.Errorf("polls = %v", h.vendor.polls)
	}
	if out.Status != results.StatusSuccess || len(out.Timeline.Segments) != 2 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestResumeNothing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Resume(context.Background(), Source{ID: "none", Duration: sec})
	if !errors.Is(err, ErrNothingToResume) {
		t.Errorf("err = %v, want ErrNothingToResume", err)
	}
}

func TestResumePlanMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.jobs.Upsert(ctx, job.Record{JobID: "p", SourceID: "talk", ChunkIndex: 0, State: job.StatePending, Duration: 10 * sec, PlanMax: 60 * sec})
	_, err := h.orch.Run(ctx, Source{ID: "talk", Path: "/in/talk.mp3", Duration: 125 * sec})
	if !errors.Is(err, ErrPlanMismatch) {
		t.Errorf("err = %v, want ErrPlanMismatch", err)
	}
}

// ── Retry failed ──

func TestRetryFailedResubmitsOnlyFailedChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.vendor.codes[1] = []int{1, -2}
	src := Source{ID: "talk", Path: "/in/talk.mp3", Duration: 180 * sec}

	first, err := h.orch.Run(ctx, src)
	if err != nil || first.Status != results.StatusPartialSuccess {
		t.Fatalf("Run = %+v, %v", first, err)
	}
	before, _ := h.jobs.List(ctx, "talk")

	// A plain resume leaves the failed chunk alone.
	h.vendor.mu.Lock()
	delete(h.vendor.codes, 1)
	h.vendor.mu.Unlock()
	again, err := h.orch.Resume(ctx, src)
	if err != nil || again.Status != results.StatusPartialSuccess {
		t.Fatalf("Resume = %+v, %v", again, err)
	}
	if n := len(h.vendor.submitted()); n != 3 {
		t.Fatalf("submits after resume = %d, want 3", n)
	}

	out, err := h.orch.RetryFailed(ctx, src)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	subs := h.vendor.submitted()
	if len(subs) != 4 || subs[3].Index != 1 {
		t.Fatalf("submits = %+v", subs)
	}
	if out.Status != results.StatusSuccess || len(out.Timeline.Segments) != 3 || len(out.Timeline.Gaps) != 0 {
		t.Errorf("outcome = %+v", out)
	}
	after, _ := h.jobs.List(ctx, "talk")
	for i, r := range after {
		if r.State != job.StateSucceeded {
			t.Errorf("chunk %d state = %s", i, r.State)
		}
		switch i {
		case 1:
			if r.JobID == before[1].JobID || r.ErrorKind != "" {
				t.Errorf("chunk 1 not replaced: %+v", r)
			}
		default:
			if r.JobID != before[i].JobID || r.ResultPath != before[i].ResultPath {
				t.Errorf("chunk %d changed: %+v", i, r)
			}
		}
	}
}

func TestRetryFailedKeepsRecordWhenSubmitFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.vendor.codes[0] = []int{-2}
	src := Source{ID: "talk", Path: "/in/talk.mp3", Duration: 45 * sec}

	if _, err := h.orch.Run(ctx, src); err != nil {
		t.Fatal(err)
	}
	old, _ := h.jobs.Get(ctx, "talk", 0)
	h.vendor.failing[0] = &vendor.APIError{Op: "submit", Kind: job.KindAuth, StatusCode: 401}

	out, err := h.orch.RetryFailed(ctx, src)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if m := out.Manifest[0]; m.JobID != old.JobID || m.ErrorKind != job.KindAuth {
		t.Errorf("manifest = %+v", m)
	}
	rec, _ := h.jobs.Get(ctx, "talk", 0)
	if rec.JobID != old.JobID || rec.State != job.StateFailed {
		t.Errorf("record = %+v", rec)
	}
}

func TestRetryFailedNothing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.RetryFailed(context.Background(), Source{ID: "none", Duration: sec})
	if !errors.Is(err, ErrNothingToResume) {
		t.Errorf("err = %v, want ErrNothingToResume", err)
	}
}

// ── Re-plan ──

func TestReplanOnPayloadTooLarge(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ChunkMax = 100 * sec })
	h.vendor.maxSize = 50 * sec

	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 100 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != results.StatusSuccess || len(out.Manifest) != 2 || out.PlanMax != 50 {
		t.Errorf("outcome = %+v", out)
	}
	// one rejected whole-file upload, then two halves
	if n := len(h.vendor.submitted()); n != 3 {
		t.Errorf("submits = %d, want 3", n)
	}
	rec, _ := h.jobs.Get(context.Background(), "talk", 1)
	if rec.PlanMax != 50*sec || rec.StartOffset != 50*sec {
		t.Errorf("record = %+v", rec)
	}
}

func TestReplanShortSourceShrinksFromItsLength(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ChunkMax = 100 * sec; o.ChunkMin = 10 * sec })
	h.vendor.maxSize = 20 * sec

	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 30 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 30s whole file rejected, then two 15s chunks
	if out.Status != results.StatusSuccess || out.PlanMax != 15 || len(out.Manifest) != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if n := len(h.vendor.submitted()); n != 3 {
		t.Errorf("submits = %d, want 3", n)
	}
}

func TestReplanBudgetExhausted(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ChunkMax = 100 * sec; o.MaxReplans = 0 })
	h.vendor.maxSize = 50 * sec

	out, err := h.orch.Run(context.Background(), Source{ID: "talk", Path: "/in/talk.mp3", Duration: 100 * sec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != results.StatusFailure || out.Manifest[0].ErrorKind != job.KindPayloadTooLarge {
		t.Errorf("outcome = %+v", out)
	}
}

// ── Cancellation ──

func TestCancelAbandon(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CancelPolicy = CancelAbandon; o.Concurrency = 1 })
	h.vendor.codes[0] = []int{1}
	ctx, cancel := context.WithCancel(context.Background())
	h.vendor.onSubmit = func(chunk.AudioChunk) { cancel() }

	out, err := h.orch.Run(ctx, Source{ID: "talk", Path: "/in/talk.mp3", Duration: 180 * sec})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(h.vendor.submitted()); n != 1 {
		t.Errorf("submits after cancel = %d, want 1", n)
	}
	rec, _ := h.jobs.Get(context.Background(), "talk", 0)
	if rec.State != job.StateAbandoned || rec.ErrorKind != job.KindAbandoned {
		t.Errorf("record = %+v", rec)
	}
	if out.Status != results.StatusFailure {
		t.Errorf("Status = %s", out.Status)
	}
}

func TestCancelDrain(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Concurrency = 1 })
	h.vendor.codes[0] = []int{0, 1, 2}
	ctx, cancel := context.WithCancel(context.Background())
	h.vendor.onSubmit = func(chunk.AudioChunk) { cancel() }

	out, err := h.orch.Run(ctx, Source{ID: "talk", Path: "/in/talk.mp3", Duration: 180 * sec})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m := out.Manifest[0]; m.State != job.StateSucceeded {
		t.Errorf("drained chunk = %+v", m)
	}
	for _, m := range out.Manifest[1:] {
		if m.JobID != "" || m.ErrorKind != job.KindAbandoned {
			t.Errorf("unsubmitted chunk = %+v", m)
		}
	}
	if out.Status != results.StatusPartialSuccess {
		t.Errorf("Status = %s", out.Status)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want job.ErrorKind
	}{
		{"api", &vendor.APIError{Kind: job.KindQuota}, job.KindQuota},
		{"cancelled", fmt.Errorf("x: %w", context.Canceled), job.KindAbandoned},
		{"split", fmt.Errorf("%w: %w", errSplit, errors.New("ffmpeg")), job.KindConfiguration},
		{"timeout", poller.ErrTimeout, job.KindTimeout},
		{"other", errors.New("disk full"), job.KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSourceIDFromPath(t *testing.T) {
	tests := []struct{ path, want string }{
		{"/data/inbox/call_1.mp3", "call_1"},
		{"talk.tar.wav", "talk.tar"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := SourceIDFromPath(tt.path); got != tt.want {
			t.Errorf("SourceIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
