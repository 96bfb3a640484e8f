// File: internal/api/server.go
// Description: HTTP front end for submitting and tracking acquisition jobs.

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JobService is the job registry the handlers front.
type JobService interface {
	SubmitRegister(count int) (schemas.Job, error)
	SubmitRefresh(email, password string) (schemas.Job, error)
	Get(id string) (schemas.Job, bool)
	List(limit int) []schemas.Job
	Watch(id string) (updates <-chan schemas.Job, stop func(), ok bool)
}

// ProxyStatus reports whether the proxy process is up.
type ProxyStatus interface {
	Running() bool
}

// Server serves the job API.
type Server struct {
	cfg     config.ServerConfig
	jobs    JobService
	proxy   ProxyStatus
	limiter *clientLimiter
	trusted trustedProxies
	logger  *zap.Logger

	// closing is canceled when shutdown begins so open watch streams end.
	closing context.Context
	cancel  context.CancelFunc
}

// NewServer wires the handlers. proxy may be nil when no proxy process is
// managed.
func NewServer(cfg config.ServerConfig, jobs JobService, proxy ProxyStatus, logger *zap.Logger) (*Server, error) {
	if jobs == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize api server with nil dependencies")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		proxy:   proxy,
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		trusted: trusted,
		logger:  logger.Named("api"),
		closing: closing,
		cancel:  cancel,
	}, nil
}

// Handler builds the routed handler with CORS applied to every path,
// including preflight requests that match no route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.logRequests)

	limited := api.PathPrefix("").Subrouter()
	limited.Use(s.rateLimit)
	limited.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	limited.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/watch", s.handleWatch).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return corsMiddleware(r)
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and shuts it down gracefully when ctx is
// done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(s.cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("API server listening.", zap.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down API server.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
