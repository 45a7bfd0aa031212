package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/ingest"
	"github.com/m-mizutani/threatmem/pkg/usecase/cascade"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the orchestrator over HTTP
type Server struct {
	orch     *cascade.Orchestrator
	ingester *ingest.Ingester
	logger   *slog.Logger
	router   *mux.Router
}

// Option is a functional option for Server
type Option func(*Server)

// WithIngester replaces the default ingester, e.g. to map producer payloads through a policy
func WithIngester(ing *ingest.Ingester) Option {
	return func(s *Server) {
		s.ingester = ing
	}
}

// WithLogger sets the logger attached to every request context
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server and registers its routes
func New(orch *cascade.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		logger: logging.Default(),
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ingester == nil {
		s.ingester = ingest.New(orch)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.withLogger)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/threats", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/threats", s.handleHotThreats).Methods(http.MethodGet)
	v1.HandleFunc("/threats/{id}", s.handleGetThreat).Methods(http.MethodGet)
	v1.HandleFunc("/threats/{id}", s.handleRemoveThreat).Methods(http.MethodDelete)
	v1.HandleFunc("/threats/{id}/interactions", s.handleInteraction).Methods(http.MethodPost)
	v1.HandleFunc("/threats/{id}/formations", s.handleFormFromThreat).Methods(http.MethodPost)
	v1.HandleFunc("/short-term/top", s.handleTopThreats).Methods(http.MethodGet)
	v1.HandleFunc("/promotions", s.handlePromote).Methods(http.MethodPost)
	v1.HandleFunc("/formations", s.handleForm).Methods(http.MethodPost)
	v1.HandleFunc("/long-term", s.handleListLongTerm).Methods(http.MethodGet)
	v1.HandleFunc("/long-term/{id}", s.handleGetLongTerm).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Router returns the HTTP handler of the server
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
	})
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "http server failed", goerr.V("addr", addr))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down http server")
	}
	return nil
}
