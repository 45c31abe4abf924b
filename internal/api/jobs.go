package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/storage"
)

// JobReader is the read side of a job store. Both job.FileStore and
// database.JobStore satisfy it.
type JobReader interface {
	Get(ctx context.Context, sourceID string, chunkIndex int) (job.Record, error)
	List(ctx context.Context, sourceID string) ([]job.Record, error)
	ListIncomplete(ctx context.Context, sourceID string) ([]job.Record, error)
	Sources(ctx context.Context) ([]string, error)
	CountIncomplete(ctx context.Context) (int, error)
}

// JobView is the wire form of a job record; offsets are in seconds.
type JobView struct {
	JobID         string     `json:"job_id"`
	SourceID      string     `json:"source_id"`
	ChunkIndex    int        `json:"chunk_index"`
	RunID         string     `json:"run_id,omitempty"`
	State         string     `json:"state"`
	StartOffset   float64    `json:"start_offset"`
	Duration      float64    `json:"duration"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	StatusMessage string     `json:"status_message,omitempty"`
	HasResult     bool       `json:"has_result"`
}

func toView(r job.Record) JobView {
	return JobView{
		JobID:         r.JobID,
		SourceID:      r.SourceID,
		ChunkIndex:    r.ChunkIndex,
		RunID:         r.RunID,
		State:         string(r.State),
		StartOffset:   r.StartOffset.Seconds(),
		Duration:      r.Duration.Seconds(),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		LastPolledAt:  r.LastPolledAt,
		AttemptCount:  r.AttemptCount,
		ErrorKind:     string(r.ErrorKind),
		StatusMessage: r.StatusMessage,
		HasResult:     r.ResultPath != "",
	}
}

type JobsHandler struct {
	jobs    JobReader
	results storage.ResultStore
}

func NewJobsHandler(jobs JobReader, results storage.ResultStore) *JobsHandler {
	return &JobsHandler{jobs: jobs, results: results}
}

// ListSources handles GET /api/v1/sources.
func (h *JobsHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	ids, err := h.jobs.Sources(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sources": ids, "total": len(ids)})
}

// ListJobs handles GET /api/v1/sources/{sourceID}/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.jobs.List)
}

// ListIncomplete handles GET /api/v1/sources/{sourceID}/jobs/incomplete.
func (h *JobsHandler) ListIncomplete(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.jobs.ListIncomplete)
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, string) ([]job.Record, error)) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := fetch(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		if !job.State(state).Valid() {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid state", state)
			return
		}
		kept := recs[:0]
		for _, rec := range recs {
			if string(rec.State) == state {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}
	views := make([]JobView, 0, len(recs))
	for _, rec := range Page(recs, p) {
		views = append(views, toView(rec))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"total":  len(recs),
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// GetJob handles GET /api/v1/sources/{sourceID}/jobs/{chunk}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, toView(rec))
}

// GetResult handles GET /api/v1/sources/{sourceID}/jobs/{chunk}/result and
// returns the stored vendor document untouched.
func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	key := rec.ResultPath
	if key == "" {
		key = results.ResultKey(rec.Key())
	}
	h.serveDocument(w, r, key, "result not fetched")
}

// GetManifest handles GET /api/v1/sources/{sourceID}/manifest.
func (h *JobsHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	h.serveDocument(w, r, orchestrator.ManifestKey(chi.URLParam(r, "sourceID")), "manifest not found")
}

func (h *JobsHandler) record(w http.ResponseWriter, r *http.Request) (job.Record, bool) {
	chunk, err := PathInt(r, "chunk")
	if err != nil || chunk < 0 {
		WriteError(w, http.StatusBadRequest, "invalid chunk index")
		return job.Record{}, false
	}
	rec, err := h.jobs.Get(r.Context(), chi.URLParam(r, "sourceID"), chunk)
	if errors.Is(err, job.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return job.Record{}, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return job.Record{}, false
	}
	return rec, true
}

func (h *JobsHandler) serveDocument(w http.ResponseWriter, r *http.Request, key, missing string) {
	if h.results == nil || !h.results.Exists(r.Context(), key) {
		WriteError(w, http.StatusNotFound, missing)
		return
	}
	data, err := storage.Load(r.Context(), h.results, key)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
