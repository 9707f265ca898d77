// Package server exposes the mediaflow upload boundary and admin API over HTTP
// and the framed job upload over TCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/service"
)

// DefaultMaxUpload caps the body of one multipart job upload.
const DefaultMaxUpload = 1 << 30

const shutdownTimeout = 10 * time.Second

// BlobReader is the read side of the payload store. *blob.Store implements it.
type BlobReader interface {
	Stat(ctx context.Context, contentID string) (blob.Object, error)
	Artifacts(ctx context.Context, contentID string) ([]string, error)
	Artifact(ctx context.Context, contentID, name string) ([]byte, error)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Intake     *service.Intake
	Correlator *service.Correlator
	Tracker    *service.JobTracker
	Graph      *service.GraphAdmin
	Blobs      BlobReader
	Hub        *Hub

	// Reassemblers maps stage names to the reassemblers of the stage
	// workers running in this process.
	Reassemblers map[string]*chunk.Reassembler
	StuckAfter   time.Duration

	Collector *metrics.Collector
	Logger    *slog.Logger
	MaxUpload int64
}

// NewHandler builds the chi router serving the upload and admin routes.
func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxUpload <= 0 {
		d.MaxUpload = DefaultMaxUpload
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))

	r.Get("/health", handleHealth)
	if d.Collector != nil {
		r.Handle("/metrics", d.Collector.Handler())
	}
	if d.Hub != nil {
		r.Handle("/ws", d.Hub)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", handleSubmit(d))
		r.Get("/", handleListJobs(d))
		r.Get("/{id}", handleGetJob(d))
	})

	r.Get("/status", handleLoadStatus(d))
	r.Delete("/status", handleClearStatus(d))

	r.Route("/graph", func(r chi.Router) {
		r.Get("/nodes", handleFindNodes(d))
		r.Get("/trace", handleTrace(d))
		r.Post("/rename", handleRename(d))
	})

	r.Get("/reassembly", handleReassembly(d))
	r.Post("/reassembly/evict", handleEvict(d))

	if d.Blobs != nil {
		r.Get("/blobs/{cid}", handleBlob(d))
		r.Get("/blobs/{cid}/artifacts/{name}", handleArtifact(d))
	}

	return r
}

// HTTPServer runs the admin and upload API until its context ends.
type HTTPServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewHTTPServer creates a server for handler on addr.
func NewHTTPServer(addr string, handler http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       2 * time.Minute, // large multipart uploads
			WriteTimeout:      2 * time.Minute,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger.With("component", "http"),
	}
}

// RegisterOnShutdown registers f to run when the server starts shutting
// down. Hijacked websocket connections are not closed by Shutdown.
func (s *HTTPServer) RegisterOnShutdown(f func()) {
	s.srv.RegisterOnShutdown(f)
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
