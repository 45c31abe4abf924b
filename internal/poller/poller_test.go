package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/bsapi"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

// scriptedSource returns one scripted response per Status call and repeats
// the last one once the script runs out.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	code int
	err  error
	kind job.ErrorKind // overrides the kind of a fatal report
}

func (s *scriptedSource) Status(ctx context.Context, pid string) (vendor.StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[len(s.steps)-1]
	if s.calls < len(s.steps) {
		st = s.steps[s.calls]
	}
	s.calls++
	if st.err != nil {
		return vendor.StatusReport{}, st.err
	}
	rep := vendor.StatusReport{JobID: pid, Code: st.code, Class: bsapi.Classify(st.code), Message: "msg"}
	if rep.Class == vendor.ClassFailedFatal {
		rep.Kind = job.KindQuota
		if st.kind != "" {
			rep.Kind = st.kind
		}
	}
	return rep, nil
}

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, steps []step, opts Options) (*Poller, *job.FileStore, *scriptedSource, job.Record) {
	t.Helper()
	store, err := job.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := job.Record{JobID: "pid-1", SourceID: "talk", ChunkIndex: 0, State: job.StatePending, CreatedAt: epoch}
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	src := &scriptedSource{steps: steps}
	p := New(src, store, retry.NewManaged(epoch), opts, zerolog.Nop())
	return p, store, src, rec
}

func TestPollUntilTerminal(t *testing.T) {
	transient := &vendor.APIError{Op: "status", Kind: job.KindTransient}
	authErr := &vendor.APIError{Op: "status", Kind: job.KindAuth, StatusCode: 401}

	tests := []struct {
		name      string
		steps     []step
		budget    int
		wantState job.State
		wantKind  job.ErrorKind
		wantCalls int
	}{
		{"pending_processing_complete", []step{{code: 0}, {code: 1}, {code: 2}}, 0, job.StateSucceeded, "", 3},
		{"retryable_within_budget", []step{{code: -1}, {code: -3}, {code: 2}}, 2, job.StateSucceeded, "", 3},
		{"retryable_budget_exhausted", []step{{code: 1}, {code: -1}, {code: -1}}, 1, job.StateFailed, job.KindServer, 3},
		{"insufficient_credits_fatal", []step{{code: 1}, {code: -2}}, 5, job.StateFailed, job.KindQuota, 2},
		{"fatal_report_kind_kept", []step{{code: -2, kind: job.KindServer}}, 5, job.StateFailed, job.KindServer, 1},
		{"transport_error_consumes_budget", []step{{err: transient}, {code: 2}}, 1, job.StateSucceeded, "", 2},
		{"transport_errors_exhaust_budget", []step{{err: transient}}, 2, job.StateFailed, job.KindServer, 3},
		{"auth_error_fatal", []step{{err: authErr}}, 5, job.StateFailed, job.KindAuth, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, src, rec := setup(t, tt.steps, Options{Interval: 5 * time.Second, MaxWait: time.Hour, RetryBudget: tt.budget})
			got, err := p.PollUntilTerminal(context.Background(), rec)
			if err != nil {
				t.Fatalf("PollUntilTerminal: %v", err)
			}
			if got.State != tt.wantState || got.ErrorKind != tt.wantKind {
				t.Errorf("state=%s kind=%q, want %s %q", got.State, got.ErrorKind, tt.wantState, tt.wantKind)
			}
			if src.calls != tt.wantCalls || got.AttemptCount != tt.wantCalls {
				t.Errorf("calls=%d attempts=%d, want %d", src.calls, got.AttemptCount, tt.wantCalls)
			}
			stored, _ := store.Get(context.Background(), "talk", 0)
			if stored.State != got.State || stored.AttemptCount != got.AttemptCount {
				t.Errorf("stored record %+v differs from returned %+v", stored, got)
			}
			if stored.LastPolledAt == nil {
				t.Error("LastPolledAt not persisted")
			}
		})
	}
}

func TestPollTimeout(t *testing.T) {
	p, store, src, rec := setup(t, []step{{code: 1}}, Options{Interval: 5 * time.Second, MaxWait: 20 * time.Second})

	got, err := p.PollUntilTerminal(context.Background(), rec)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got.State != job.StateTimedOut || got.ErrorKind != job.KindTimeout {
		t.Errorf("record = %+v", got)
	}
	// polls at t=0,5,10,15,20; the check at t=25 exceeds 20s
	if src.calls != 5 {
		t.Errorf("calls = %d, want 5", src.calls)
	}
	stored, _ := store.Get(context.Background(), "talk", 0)
	if stored.State != job.StateTimedOut {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestPollTimeoutCountsFromCreation(t *testing.T) {
	p, _, src, rec := setup(t, []step{{code: 1}}, Options{Interval: time.Second, MaxWait: 10 * time.Second})
	rec.CreatedAt = epoch.Add(-time.Minute)

	_, err := p.PollUntilTerminal(context.Background(), rec)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if src.calls != 0 {
		t.Errorf("calls = %d, want 0 for an already expired job", src.calls)
	}
}

func TestPollPersistsEveryOutcome(t *testing.T) {
	p, _, _, rec := setup(t, []step{{code: 0}, {code: 1}, {code: -1}, {code: 2}}, Options{Interval: time.Second, MaxWait: time.Hour, RetryBudget: 1})
	var seen []job.State
	var stamps []time.Time
	p.OnChange(func(r job.Record) {
		seen = append(seen, r.State)
		stamps = append(stamps, r.UpdatedAt)
	})

	if _, err := p.PollUntilTerminal(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	// published records carry the time of the poll that produced them
	for i, ts := range stamps {
		if want := epoch.Add(time.Duration(i) * time.Second); !ts.Equal(want) {
			t.Errorf("outcome %d UpdatedAt = %s, want %s", i, ts, want)
		}
	}
	want := []job.State{job.StatePolling, job.StatePolling, job.StatePolling, job.StateSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("persisted %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("outcome %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestPollTerminalRecordUnchanged(t *testing.T) {
	p, _, src, rec := setup(t, []step{{code: 2}}, Options{})
	rec.State = job.StateSucceeded
	got, err := p.PollUntilTerminal(context.Background(), rec)
	if err != nil || got.State != job.StateSucceeded || src.calls != 0 {
		t.Errorf("got %+v err %v calls %d", got, err, src.calls)
	}
}

func TestPollRejectsConcurrentLoop(t *testing.T) {
	p, _, _, rec := setup(t, []step{{code: 1}}, Options{})
	if !p.acquire(rec.Key()) {
		t.Fatal("first acquire failed")
	}
	defer p.release(rec.Key())

	if _, err := p.PollUntilTerminal(context.Background(), rec); !errors.Is(err, ErrAlreadyPolling) {
		t.Errorf("err = %v, want ErrAlreadyPolling", err)
	}
}

func TestPollCancelled(t *testing.T) {
	p, _, _, rec := setup(t, []step{{code: 1}}, Options{Interval: time.Second, MaxWait: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.PollUntilTerminal(ctx, rec); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
