package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is satisfied by *database.DB.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker is satisfied by *notify.MQTTNotifier.
type ConnectionChecker interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Checks         map[string]string `json:"checks"`
	IncompleteJobs *int              `json:"incomplete_jobs,omitempty"`
}

type HealthHandler struct {
	jobs      JobReader
	db        Pinger
	mqtt      ConnectionChecker
	version   string
	startTime time.Time
}

func NewHealthHandler(jobs JobReader, db Pinger, mqtt ConnectionChecker, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		jobs:      jobs,
		db:        db,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// Job store check
	var incomplete *int
	if n, err := h.jobs.CountIncomplete(r.Context()); err != nil {
		checks["job_store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["job_store"] = "ok"
		incomplete = &n
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:         status,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		Checks:         checks,
		IncompleteJobs: incomplete,
	})
}
