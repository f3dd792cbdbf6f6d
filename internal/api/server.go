// Package api exposes the REST surface and the WebSocket event stream.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/doppler"
	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/executor"
	"github.com/sidequest/sidequest/internal/registry"
	"github.com/sidequest/sidequest/internal/schedule"
	"github.com/sidequest/sidequest/internal/store"
)

// Rate limits per client IP.
const (
	standardRequests = 100
	standardWindow   = 15 * time.Minute
	triggerRequests  = 10
	triggerWindow    = time.Hour
)

// Options wires the server's collaborators.
type Options struct {
	Exec      *executor.Executor
	Store     *store.Store
	Registry  *registry.Registry
	Bus       *events.Bus
	Scheduler *schedule.Scheduler
	Health    *doppler.Monitor
	Log       zerolog.Logger

	Port    int
	APIKey  string
	Metrics prometheus.Gatherer
}

// Server serves REST and WebSocket traffic.
type Server struct {
	opts    Options
	log     zerolog.Logger
	hub     *hub
	httpSrv *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  opts.Log,
		hub:  newHub(opts.Bus, opts.Log),
	}

	standard := newIPLimiter(standardRequests, standardWindow)
	trigger := newIPLimiter(triggerRequests, triggerWindow)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Fallthroughs carry the envelope too, like every other response.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return limit(standard, next) })

		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{pipelineID}/jobs", s.handlePipelineJobs)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/ws", s.hub.handleWS)

		// Write endpoints: API key plus the tighter trigger bucket
		// where it applies.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.With(func(next http.Handler) http.Handler { return limit(trigger, next) }).
				Post("/pipelines/{pipelineID}/trigger", s.handleTrigger)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Post("/jobs/{jobID}/retry", s.handleRetryJob)
		})
	})

	if opts.Metrics != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("api listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("remote", clientIP(r)).
			Msg("request")
	})
}

// requireAPIKey guards write endpoints. When no key is configured the
// deployment chose an open instance and writes pass through.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
