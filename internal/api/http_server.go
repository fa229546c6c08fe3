// Package api is the HTTP and WebSocket gateway: the Smartsheet webhook
// endpoint, the job API, cached sheet reads and live sheet subscriptions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sheetsync/internal/config"
	"sheetsync/internal/models"
	"sheetsync/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// JobService enqueues jobs and reports their state.
type JobService interface {
	Enqueue(ctx context.Context, jobType, sheetID string, payload json.RawMessage) (string, error)
	Status(ctx context.Context, id string) (*models.Job, error)
}

// SheetReader serves cache-aside sheet snapshots.
type SheetReader interface {
	GetSheet(ctx context.Context, sheetID string) (json.RawMessage, bool, error)
}

// CacheInspector exposes raw cache entries.
type CacheInspector interface {
	Entry(ctx context.Context, sheetID string) (*models.CacheEntry, error)
}

// JobCounter reports job totals per status for /healthz.
type JobCounter interface {
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)
}

// degradable is implemented by caches that can fall back to a secondary store.
type degradable interface {
	Degraded() bool
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Deps are the collaborators the gateway routes to.
type Deps struct {
	Webhook     http.Handler
	Broadcaster *realtime.Broadcaster
	Jobs        JobService
	Sheets      SheetReader
	Cache       CacheInspector
	JobStats    JobCounter
	// Checks are pinged by /healthz, keyed by name.
	Checks map[string]Pinger
}

type HTTPServer struct {
	cfg      *config.Config
	deps     Deps
	server   *http.Server
	auth     *HTTPAuth
	upgrader websocket.Upgrader
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg.API),
		logger: logger,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/jobs", srv.handleCreateJob)
	apiMux.HandleFunc("GET /api/jobs/{id}", srv.handleGetJob)
	apiMux.HandleFunc("GET /api/sheets/{id}", srv.handleGetSheet)
	apiMux.HandleFunc("GET /api/sheets/{id}/cache", srv.handleCacheEntry)

	mux := http.NewServeMux()
	mux.Handle("POST /smartsheet/webhook", srv.wrap("webhook", deps.Webhook))
	mux.Handle("GET /ws", srv.wrap("ws", http.HandlerFunc(srv.handleWS)))
	mux.Handle("GET /healthz", srv.wrap("healthz", http.HandlerFunc(srv.handleHealth)))
	mux.Handle("/api/", srv.wrap("api", srv.auth.Wrap(apiMux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

func (s *HTTPServer) wrap(endpoint string, h http.Handler) http.Handler {
	return loggingMiddleware(s.logger, endpoint, recoverMiddleware(s.logger, h))
}

// Handler returns the root handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
// Hijacked WebSocket connections are not tracked here; close them through
// the Broadcaster.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
