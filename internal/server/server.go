// Package server exposes the bridge over HTTP: the WhatsApp webhook, session
// administration, direct engine queries and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/pipeline"
)

const maxBodySize = 1 << 20

// Webhook is the inbound side of the WhatsApp integration.
type Webhook interface {
	Verify(mode, token, challenge string) (string, error)
	Authentic(body []byte, signature string) bool
	HandleEvent(ctx context.Context, body []byte) pipeline.EventReport
}

// Sessions is the session registry surface used by the admin and query routes.
type Sessions interface {
	ResolveOrCreate(ctx context.Context, userKey string) (string, error)
	Delete(ctx context.Context, userKey string) (bool, error)
	List(ctx context.Context) ([]domain.Session, error)
}

// Engine is the reasoning engine surface used by the query routes.
type Engine interface {
	SendMessage(ctx context.Context, userID, sessionID, text string) (string, error)
	Query(ctx context.Context, classMethod string, input map[string]any) (json.RawMessage, error)
}

// Config wires the HTTP surface to the bridge components.
type Config struct {
	ServiceName string
	WebhookPath string
	MetricsPath string
	Metrics     http.Handler // nil disables /metrics

	// EventTimeout is the webhook pipeline deadline; the write timeout is
	// derived from it so a delivery is always acknowledged.
	EventTimeout time.Duration

	Webhook  Webhook
	Sessions Sessions
	Engine   Engine
	Logger   *slog.Logger
}

type Server struct {
	serviceName string
	webhookPath string
	metricsPath string
	metrics     http.Handler

	webhook  Webhook
	sessions Sessions
	engine   Engine
	logger   *slog.Logger

	writeTimeout time.Duration
	handler      http.Handler
}

// writeMargin covers response encoding after the last notice.
const writeMargin = 15 * time.Second

func writeTimeoutFor(eventTimeout time.Duration) time.Duration {
	if eventTimeout <= 0 {
		eventTimeout = 120 * time.Second
	}
	return eventTimeout + pipeline.NoticeGrace + writeMargin
}

func New(cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentbridge"
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		serviceName:  cfg.ServiceName,
		webhookPath:  cfg.WebhookPath,
		metricsPath:  cfg.MetricsPath,
		metrics:      cfg.Metrics,
		webhook:      cfg.Webhook,
		writeTimeout: writeTimeoutFor(cfg.EventTimeout),
		sessions:     cfg.Sessions,
		engine:       cfg.Engine,
		logger:       cfg.Logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /echo", s.handleEcho)

	mux.HandleFunc("GET "+s.webhookPath, s.handleVerify)
	mux.HandleFunc("POST "+s.webhookPath, s.handleEvent)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{user}", s.handleDeleteSession)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/raw", s.handleRawQuery)

	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}

	return s.recoverer(s.requestID(s.cors(mux)))
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
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
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"detail": msg})
}
