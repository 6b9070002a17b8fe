package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/factory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// sourceFactory builds the record source a rebuild streams from. cond is nil for a full
// rebuild.
type sourceFactory func(spec *esbind.TypeSpec, cond *esbind.CompositeCondition) (esbind.RecordSource, error)

// Server represents the HTTP server over a Binder
type Server struct {
	binder  esbind.Binder
	sources sourceFactory
	mux     *http.ServeMux
	// ready backs /readyz. Nil reports ready.
	ready func(ctx context.Context) error
}

// NewServer creates a new Server instance
func NewServer(binder esbind.Binder, sources sourceFactory) *Server {
	return &Server{
		binder:  binder,
		sources: sources,
		mux:     http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(metrics bool) {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, http.StatusOK, "ok")
	})
	s.mux.HandleFunc("/readyz", s.handleReady)
	if metrics {
		s.mux.Handle("/metrics", promhttp.Handler())
	}

	// API routes - use custom path matching in handlers
	s.mux.HandleFunc("/api/v1/advanced_query", s.handleAdvancedQuery)
	s.mux.HandleFunc("/api/v1/search", s.handleSearch)
	s.mux.HandleFunc("/api/v1/types", s.handleListTypes)
	s.mux.HandleFunc("/api/v1/_aliases", s.handleAliases)
	s.mux.HandleFunc("/api/v1/_indices/", s.handleDeleteIndex)
	s.mux.HandleFunc("/api/v1/", s.apiHandler)
}

// Start serves on the given port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.S().Infow("starting server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		zap.S().Infow("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

func main() {
	cfg := factory.ConfigFromEnv()

	logger, err := zap.NewProduction()
	if cfg.Logging.Level == "debug" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	typesFile := os.Getenv("TYPES_FILE")
	sugar.Infof("typesFile: %s", typesFile)
	if typesFile == "" {
		sugar.Fatal("TYPES_FILE is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := factory.Open(ctx, cfg, typesFile)
	if err != nil {
		sugar.Fatalf("failed to initialize esbind: %v", err)
	}
	defer rt.Close()

	server := NewServer(rt.Binder, func(spec *esbind.TypeSpec, cond *esbind.CompositeCondition) (esbind.RecordSource, error) {
		return factory.NewConditionRecordSource(rt.Pool, spec, cond)
	})
	server.ready = rt.Health
	server.RegisterRoutes(cfg.Metrics.Enabled)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := server.Start(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalf("server error: %v", err)
	}
}
