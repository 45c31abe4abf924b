package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/config"
	"github.com/snarg/speechrun/internal/metrics"
	"github.com/snarg/speechrun/internal/storage"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions wires the status server. DB and MQTT are optional and only
// reported by the health check.
type ServerOptions struct {
	Config    *config.Config
	Jobs      JobReader
	Results   storage.ResultStore
	DB        Pinger
	MQTT      ConnectionChecker
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := NewRouter(opts)
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log.With().Str("component", "http").Logger(),
	}
}

// NewRouter builds the route tree without binding a listener.
func NewRouter(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Health and metrics, no auth
	health := NewHealthHandler(opts.Jobs, opts.DB, opts.MQTT, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	jobs := NewJobsHandler(opts.Jobs, opts.Results)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Get("/api/v1/sources", jobs.ListSources)
		r.Route("/api/v1/sources/{sourceID}", func(r chi.Router) {
			r.Get("/jobs", jobs.ListJobs)
			r.Get("/jobs/incomplete", jobs.ListIncomplete)
			r.Get("/jobs/{chunk}", jobs.GetJob)
			r.Get("/jobs/{chunk}/result", jobs.GetResult)
			r.Get("/manifest", jobs.GetManifest)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
