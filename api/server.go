// Package api serves the control surface: mapping CRUD, discovery and
// live-value views, and the opaque command proxy to the target application.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
	"github.com/spacemonqi/ableton-mcp-extended/metric"
	"github.com/spacemonqi/ableton-mcp-extended/routing"
)

const (
	maxRequestSize  = 1 << 20 // 1MB, mapping payloads are tiny
	shutdownGrace   = 5 * time.Second
	commandTimeout  = 15 * time.Second
	defaultCacheTTL = 5 * time.Second
)

// CommandClient proxies synchronous commands to the target application.
// Satisfied by ableton.Client.
type CommandClient interface {
	SendCommand(ctx context.Context, commandType string, params map[string]any) (map[string]any, error)
}

// ValueSource exposes the live value cache. Satisfied by routing.Engine.
type ValueSource interface {
	StreamValues() routing.Snapshot
}

// serverMetrics tracks control API request traffic.
type serverMetrics struct {
	requests *prometheus.CounterVec
}

func newServerMetrics(registry *metric.MetricsRegistry) *serverMetrics {
	if registry == nil {
		return nil
	}

	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Control API requests by method and status code",
		}, []string{"method", "code"}),
	}
	registry.RegisterCounterVec("api", "requests", m.requests)
	return m
}

// Server is the control API component.
type Server struct {
	host     string
	port     int
	store    *mappings.Store
	values   ValueSource
	commands CommandClient
	registry *metric.MetricsRegistry
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener

	hub *valuesHub

	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	metrics *serverMetrics
}

// ServerDeps holds runtime dependencies for the control API.
type ServerDeps struct {
	Host            string
	Port            int
	Store           *mappings.Store
	Values          ValueSource
	Commands        CommandClient
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewServer creates the control API server.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "control-api")
	}
	s := &Server{
		host:     deps.Host,
		port:     deps.Port,
		store:    deps.Store,
		values:   deps.Values,
		commands: deps.Commands,
		registry: deps.MetricsRegistry,
		logger:   logger,
		metrics:  newServerMetrics(deps.MetricsRegistry),
	}
	s.hub = newValuesHub(deps.Values, logger)
	return s
}

// Initialize validates dependencies and builds the route table.
func (s *Server) Initialize() error {
	if s.store == nil {
		return errors.WrapInvalid(fmt.Errorf("nil mapping store"),
			"control-api", "Initialize", "store validation")
	}
	if s.values == nil {
		return errors.WrapInvalid(fmt.Errorf("nil value source"),
			"control-api", "Initialize", "value source validation")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mappings", s.handleListMappings)
	mux.HandleFunc("POST /api/mappings", s.handleCreateMapping)
	mux.HandleFunc("PUT /api/mappings/{stream}", s.handleUpdateMapping)
	mux.HandleFunc("DELETE /api/mappings/{stream}", s.handleDeleteMapping)
	mux.HandleFunc("POST /api/mappings/create-from-last", s.handleCreateFromLast)
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/stream-values", s.handleStreamValues)
	mux.HandleFunc("GET /api/observe", s.handleObserve)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("POST /api/ableton/command", s.handleCommand)
	mux.HandleFunc("GET /api/ableton/last-selected", s.handleLastSelected)
	mux.HandleFunc("GET /ws/stream-values", s.hub.handleUpgrade)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.registry != nil {
		mux.Handle("GET /metrics", metric.Handler(s.registry))
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start binds the listen socket and begins serving. Idempotent while
// running. Returns an error immediately if the socket cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}
	if s.httpServer == nil {
		if err := s.Initialize(); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapFatal(err, "control-api", "Start",
			fmt.Sprintf("bind %s", s.httpServer.Addr))
	}
	s.listener = listener
	s.running.Store(true)
	s.startTime = time.Now()

	s.hub.start(ctx)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API server failed", "error", err)
		}
	}()

	s.logger.Info("Control API listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when started with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	s.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "control-api", "Stop", "graceful shutdown")
	}
	return nil
}

// middleware applies request ID tagging, CORS, and request metrics to
// every route.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// The web UI is served from a different origin during development.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if s.metrics != nil {
			s.metrics.requests.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so the websocket upgrade
// works behind the metrics wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// writeJSON writes a success payload.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Response write failed", "error", err)
	}
}

// writeError maps the error class to an HTTP status and writes the
// FastAPI-compatible {"detail": ...} shape the web UI expects.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsPeer(err):
		status = http.StatusBadGateway
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			status = http.StatusGatewayTimeout
		} else {
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"detail": err.Error()})
}

// contextWithTimeout derives a command deadline from the request context.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// decodeBody decodes a JSON request body into a generic map.
func decodeBody(r *http.Request) (map[string]any, error) {
	var payload map[string]any
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "control-api", "decodeBody", "request parsing")
	}
	return payload, nil
}
