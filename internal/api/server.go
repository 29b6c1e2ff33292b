package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server serves the Kestrel HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	http    *http.Server
}

// NewServer builds the router and the listener settings. Nothing listens
// until Start.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	h := NewHandler(deps, version)
	r := chi.NewRouter()

	// Recover sits inside tracing and instrumentation so a panic is still
	// counted and logged as a 500.
	r.Use(
		middleware.RealIP,
		CORSMiddleware,
		TracingMiddleware,
		InstrumentMiddleware(deps.Metrics),
		RecoverMiddleware,
		middleware.Compress(5, "application/json"),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/analyze", h.Analyze)

		r.Get("/executions/{id}", h.GetExecution)
		r.Get("/executions/{id}/transactions", h.ListExecutionTransactions)
		r.Get("/executions/{id}/verify", h.VerifyExecution)

		r.Post("/feedback", h.SubmitFeedback)
		r.Get("/feedback/{executionId}", h.GetFeedback)
		r.Get("/feedback/{executionId}/summary", h.FeedbackSummary)
		r.Get("/feedback/{executionId}/latest", h.LatestFeedback)

		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Post("/rules/reload", h.ReloadRules)
	})

	return &Server{
		router:  r,
		handler: h,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start listens until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the request handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
