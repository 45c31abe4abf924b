package bsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

func newTestClient(t *testing.T, srv *httptest.Server, attempts int) (*Client, *retry.ManagedClock) {
	t.Helper()
	clk := retry.NewManaged(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c, err := NewClient(Options{
		BaseURL:  srv.URL,
		ClientID: "1234",
		APIKey:   "secret",
		Retry:    retry.Policy{MaxAttempts: attempts, Initial: 5 * time.Second, Multiplier: 2},
		Clock:    clk,
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, clk
}

func writeChunk(t *testing.T) chunk.AudioChunk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talk_chunk000.mp3")
	if err := os.WriteFile(path, []byte("ID3fake-mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return chunk.AudioChunk{SourceID: "talk", Index: 0, Duration: 60 * time.Second, LocalPath: path}
}

// ── Submit ───────────────────────────────────────────────────────────

func TestSubmitSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v5/clients/1234/processes/audio" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Token"); got != "secret" {
			t.Errorf("X-Auth-Token = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("name"); got != "talk part 1" {
			t.Errorf("name = %q", got)
		}
		if got := r.FormValue("embeddings"); got != "false" {
			t.Errorf("embeddings = %q", got)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("meta")), &meta); err != nil || meta["chunk"] != float64(0) {
			t.Errorf("meta = %q (%v)", r.FormValue("meta"), err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/mp3" {
			t.Errorf("file Content-Type = %q", ct)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "ID3fake-mp3-bytes" {
			t.Errorf("file body = %q", data)
		}
		w.Write([]byte(`{"pid": 98765, "cid": 1234, "name": "talk part 1", "status": 0, "statusmsg": "Pending", "duration": "60.0"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 3)
	h, err := c.Submit(context.Background(), writeChunk(t), vendor.Metadata{
		Name: "talk part 1",
		Meta: map[string]any{"chunk": 0},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "98765" || h.Account != "1234" || h.StatusMessage != "Pending" {
		t.Errorf("handle = %+v", h)
	}
	if h.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}
}

func TestSubmitErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  job.ErrorKind
		wantCalls int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad token"}`, job.KindAuth, 1},
		{"forbidden", http.StatusForbidden, ``, job.KindAuth, 1},
		{"payment_required", http.StatusPaymentRequired, ``, job.KindQuota, 1},
		{"too_large", http.StatusRequestEntityTooLarge, ``, job.KindPayloadTooLarge, 1},
		{"server_error_retried", http.StatusBadGateway, ``, job.KindTransient, 3},
		{"rate_limited_retried", http.StatusTooManyRequests, ``, job.KindTransient, 3},
		{"bad_request", http.StatusBadRequest, ``, job.KindServer, 1},
		{"insufficient_credits", http.StatusOK, `{"pid":"1","status":-2,"statusmsg":"Insufficient credits"}`, job.KindQuota, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv, 3)
			_, err := c.Submit(context.Background(), writeChunk(t), vendor.Metadata{})
			var ae *vendor.APIError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if ae.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ae.Kind, tt.wantKind)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		r.ParseMultipartForm(1 << 20)
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("attempt %d lost the file part: %v", calls.Load(), err)
		}
		w.Write([]byte(`{"pid":"p-1","status":1}`))
	}))
	defer srv.Close()

	c, clk := newTestClient(t, srv, 3)
	start := clk.Now()
	h, err := c.Submit(context.Background(), writeChunk(t), vendor.Metadata{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "p-1" {
		t.Errorf("ID = %q", h.ID)
	}
	if waited := clk.Now().Sub(start); waited != 15*time.Second {
		t.Errorf("backoff total = %s, want 15s", waited)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 3)
	_, err := c.Submit(context.Background(), chunk.AudioChunk{LocalPath: "/nonexistent/x.mp3"}, vendor.Metadata{})
	if vendor.KindOf(err) != job.KindConfiguration {
		t.Errorf("kind = %q, want configuration (err %v)", vendor.KindOf(err), err)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Options{ClientID: "1"})
	if vendor.KindOf(err) != job.KindConfiguration {
		t.Errorf("err = %v, want configuration error", err)
	}
}

// ── Status / Results ─────────────────────────────────────────────────

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		code int
		want vendor.Class
	}{
		{0, vendor.ClassPending},
		{1, vendor.ClassProcessing},
		{2, vendor.ClassSucceeded},
		{-1, vendor.ClassFailedRetryable},
		{-3, vendor.ClassFailedRetryable},
		{-2, vendor.ClassFailedFatal},
		{7, vendor.ClassFailedRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v5/clients/1234/processes/p-9" {
					t.Errorf("path = %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]any{"pid": "p-9", "status": tt.code, "statusmsg": "x"})
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv, 1)
			rep, err := c.Status(context.Background(), "p-9")
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if rep.Class != tt.want || rep.Code != tt.code {
				t.Errorf("code %d: class = %s, want %s", tt.code, rep.Class, tt.want)
			}
			if tt.want == vendor.ClassFailedFatal && rep.Kind != job.KindQuota {
				t.Errorf("code %d: kind = %q, want quota", tt.code, rep.Kind)
			}
		})
	}
}

func TestStatusTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, _ := newTestClient(t, srv, 1)
	srv.Close()

	_, err := c.Status(context.Background(), "p-1")
	if !vendor.IsRetryable(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestStatusCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Status(ctx, "p-1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResultsReturnsRawBytes(t *testing.T) {
	payload := `{"pid":1,"cid":2,"code":0,"message":"ok","results":[{"id":"0","startTime":"0.0","endTime":"2.0","task":"emotion","prediction":[{"label":"neutral","posterior":"0.9"}],"finalLabel":"neutral","level":"utterance"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/clients/1234/processes/p-1/results" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 2)
	got, err := c.Results(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if string(got) != payload {
		t.Errorf("Results = %s", got)
	}
}

func TestResultsRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 2)
	_, err := c.Results(context.Background(), "p-1")
	if vendor.KindOf(err) != job.KindFetch {
		t.Errorf("err = %v, want fetch error", err)
	}
}

// ── Health checks ────────────────────────────────────────────────────

func TestChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			w.WriteHeader(http.StatusOK)
		case "/v5/clients/1234":
			if r.Header.Get("X-Auth-Token") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"cid":1234}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	if err := c.CheckConnectivity(context.Background()); err != nil {
		t.Errorf("CheckConnectivity: %v", err)
	}
	if err := c.CheckAuth(context.Background()); err != nil {
		t.Errorf("CheckAuth: %v", err)
	}

	bad, _ := NewClient(Options{BaseURL: srv.URL, ClientID: "1234", APIKey: "wrong", Log: zerolog.Nop()})
	if err := bad.CheckAuth(context.Background()); vendor.KindOf(err) != job.KindAuth {
		t.Errorf("CheckAuth with bad key: %v", err)
	}
}
