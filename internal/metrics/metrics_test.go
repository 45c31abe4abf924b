package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountIncomplete(context.Context) (int, error) { return f.n, f.err }

func TestCollectorIncompleteJobs(t *testing.T) {
	tests := []struct {
		name string
		jobs JobCounter
		want float64
	}{
		{"counts_reported", fakeCounter{n: 3}, 3},
		{"error_reports_zero", fakeCounter{n: 9, err: errors.New("db down")}, 0},
		{"nil_counter", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewPedanticRegistry()
			reg.MustRegister(NewCollector(nil, tt.jobs))
			families, err := reg.Gather()
			if err != nil {
				t.Fatalf("Gather: %v", err)
			}
			var got float64 = -1
			for _, mf := range families {
				if mf.GetName() == "speechrun_jobs_incomplete" {
					got = mf.GetMetric()[0].GetGauge().GetValue()
				}
			}
			if got != tt.want {
				t.Errorf("jobs_incomplete = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/v1/sources/{sourceID}/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := requestCount(t, "/api/v1/sources/{sourceID}/jobs", "418")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources/abc/jobs", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	after := requestCount(t, "/api/v1/sources/{sourceID}/jobs", "418")

	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func requestCount(t *testing.T, pattern, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "speechrun_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["path_pattern"] == pattern && labels["status_code"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
