package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/ratelimit"
	"github.com/dunamismax/pixelconvert/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Converter runs one conversion synchronously.
type Converter interface {
	Convert(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// ArtifactReader opens converted files by name.
type ArtifactReader interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, evt webhook.ConversionEvent) error
}

type Server struct {
	logger      *log.Logger
	cfg         config.WebConfig
	removeBG    bool
	converter   Converter
	artifacts   ArtifactReader
	rateLimiter ratelimit.Limiter
	notifier    Notifier
	deliveries  sync.WaitGroup
	tracer      trace.Tracer
	metrics     *metrics
	pages       map[string]*template.Template
	mux         *http.ServeMux
}

type Option func(*Server)

func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.rateLimiter = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// NewServer builds the web gateway. The upload directory is created if
// missing; converted files are reached only through artifacts.
func NewServer(logger *log.Logger, cfg config.Config, converter Converter, artifacts ArtifactReader, opts ...Option) (*Server, error) {
	if converter == nil {
		return nil, errors.New("converter is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact reader is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(cfg.Web.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:    logger,
		cfg:       cfg.Web,
		removeBG:  cfg.Pipeline.RemoveBackground,
		converter: converter,
		artifacts: artifacts,
		tracer:    otel.Tracer("pixelconvert/api"),
		metrics:   newMetrics(),
		pages:     pages,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

// Handler returns the mux wrapped in metrics, tracing and upload rate limiting.
func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("GET /view/{filename}", s.handleView)
	s.mux.HandleFunc("GET /image/{filename}", s.handleImage)
	s.mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticFiles())))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) render(w http.ResponseWriter, status int, page string, data any) {
	tmpl, ok := s.pages[page]
	if !ok {
		http.Error(w, "page not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		s.logger.Printf("render failed page=%s err=%v", page, err)
	}
}

// Drain waits for in-flight webhook deliveries. Call it after the HTTP
// server has stopped accepting uploads.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain webhook deliveries: %w", ctx.Err())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
