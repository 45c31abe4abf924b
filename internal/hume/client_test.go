package hume

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

const samplePredictions = `[{
  "source": {"type": "file", "filename": "talk_chunk000.mp3"},
  "results": {
    "predictions": [{
      "file": "talk_chunk000.mp3",
      "models": {
        "prosody": {"grouped_predictions": [{"id": "unknown", "predictions": [
          {"text": "hello there", "time": {"begin": 0.5, "end": 2.0},
           "emotions": [{"name": "Calmness", "score": 0.2}, {"name": "Joy", "score": 0.7}]},
          {"text": "", "time": {"begin": 3.0, "end": 4.0},
           "emotions": [{"name": "Anger", "score": 0.4}]}
        ]}]},
        "language": {"predictions": [
          {"text": "hello there", "time": {"begin": 0.5, "end": 2.0},
           "emotions": [{"name": "Interest", "score": 0.6}]},
          {"text": "orphan", "time": null, "emotions": [{"name": "Joy", "score": 0.9}]}
        ]}
      }
    }],
    "errors": []
  }
}]`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL: srv.URL,
		APIKey:  "hume-key",
		Retry:   retry.Policy{MaxAttempts: 2, Initial: time.Second, Multiplier: 2},
		Clock:   retry.NewManaged(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Log:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// ── Submit ──

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/batch/jobs" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Hume-Api-Key"); got != "hume-key" {
			t.Errorf("X-Hume-Api-Key = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		var cfg map[string]map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("json")), &cfg); err != nil || cfg["models"]["prosody"] == nil {
			t.Errorf("json = %q (%v)", r.FormValue("json"), err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("FormFile: %v", err)
		}
		w.Write([]byte(`{"job_id":"j-42"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "talk_chunk000.mp3")
	os.WriteFile(path, []byte("ID3"), 0o644)

	h, err := newTestClient(t, srv).Submit(context.Background(), chunk.AudioChunk{SourceID: "talk", LocalPath: path}, vendor.Metadata{Name: "talk_chunk000"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "j-42" || h.Name != "talk_chunk000" || h.SubmittedAt.IsZero() {
		t.Errorf("handle = %+v", h)
	}
}

func TestSubmitWithoutJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.wav")
	os.WriteFile(path, []byte("RIFF"), 0o644)
	_, err := newTestClient(t, srv).Submit(context.Background(), chunk.AudioChunk{LocalPath: path}, vendor.Metadata{})
	if vendor.KindOf(err) != job.KindServer {
		t.Errorf("err = %v, want server error", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); vendor.KindOf(err) != job.KindConfiguration {
		t.Errorf("err = %v", err)
	}
}

// ── Status ──

func TestStatus(t *testing.T) {
	tests := []struct {
		state string
		want  vendor.Class
		kind  job.ErrorKind
	}{
		{StateQueued, vendor.ClassPending, ""},
		{StateInProgress, vendor.ClassProcessing, ""},
		{StateCompleted, vendor.ClassSucceeded, ""},
		{StateFailed, vendor.ClassFailedFatal, job.KindServer},
		{"PAUSED", vendor.ClassFailedRetryable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/batch/jobs/j-1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]any{"job_id": "j-1", "state": map[string]string{"status": tt.state}})
			}))
			defer srv.Close()

			rep, err := newTestClient(t, srv).Status(context.Background(), "j-1")
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if rep.Class != tt.want || rep.Kind != tt.kind || rep.Message != tt.state {
				t.Errorf("report = %+v", rep)
			}
		})
	}
}

func TestStatusAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Status(context.Background(), "j-1")
	if vendor.KindOf(err) != job.KindAuth {
		t.Errorf("err = %v", err)
	}
}

// ── Results ──

func TestResultsConverted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batch/jobs/j-1/predictions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(samplePredictions))
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv).Results(context.Background(), "j-1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	p, err := results.Decode(raw, 3)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.PID != "j-1" {
		t.Errorf("PID = %q", p.PID)
	}
	// language, asr and prosody at 0.5s; prosody at 3s. The untimed
	// prediction and the duplicate transcript are dropped.
	if len(p.Results) != 4 {
		t.Fatalf("segments = %+v", p.Results)
	}
	byTask := map[string]results.Segment{}
	for _, s := range p.Results {
		if s.ChunkIndex != 3 || s.ID == "" || s.Granularity != results.GranularityUtterance {
			t.Errorf("segment = %+v", s)
		}
		if s.Start == 0.5 {
			byTask[s.Task] = s
		}
	}
	if s := byTask["prosody"]; s.FinalLabel != "Joy" || s.Confidence() != 0.7 || s.End != 2.0 {
		t.Errorf("prosody = %+v", s)
	}
	if s := byTask[TaskTranscript]; s.FinalLabel != "hello there" {
		t.Errorf("transcript = %+v", s)
	}
	if s := byTask["language"]; s.FinalLabel != "Interest" {
		t.Errorf("language = %+v", s)
	}
	if last := p.Results[3]; last.Start != 3.0 || last.FinalLabel != "Anger" {
		t.Errorf("last = %+v", last)
	}
}

func TestConvertOnlyErrors(t *testing.T) {
	raw := `[{"results":{"predictions":[],"errors":[{"file":"a.mp3","message":"unsupported codec"}]}}]`
	if _, err := Convert("j-1", []byte(raw)); err == nil {
		t.Error("expected error")
	}
}

func TestResultsRejectsNonJSON(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Results(context.Background(), "j-1")
	if vendor.KindOf(err) != job.KindFetch {
		t.Errorf("err = %v, want fetch error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, fetch errors are not retried", calls.Load())
	}
}

// ── Health checks ──

func TestChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/batch/jobs" {
			if r.Header.Get("X-Hume-Api-Key") != "hume-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.CheckConnectivity(context.Background()); err != nil {
		t.Errorf("CheckConnectivity: %v", err)
	}
	if err := c.CheckAuth(context.Background()); err != nil {
		t.Errorf("CheckAuth: %v", err)
	}
	bad, _ := NewClient(Options{BaseURL: srv.URL, APIKey: "wrong", Log: zerolog.Nop()})
	if err := bad.CheckAuth(context.Background()); vendor.KindOf(err) != job.KindAuth {
		t.Errorf("CheckAuth with bad key: %v", err)
	}
}
