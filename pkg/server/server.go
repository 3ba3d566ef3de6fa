// Package server provides the mindtree HTTP JSON API.
//
// Reads come straight from the tree store, writes go through the command
// manager so they land on the undo stack. The tree store is single-writer
// and its relation cache mutates on reads, so every handler touching the
// store holds the server's store mutex. Search reads the engine directly
// and runs without the lock.
//
// Endpoints:
//
//	GET  /health
//	GET  /metrics
//	GET  /api/vertices/{id}           info, path and links ("root" for the root)
//	GET  /api/vertices/{id}/export    subtree outline
//	GET  /api/trash                   trash records
//	GET  /api/search?q=...            ranked matches
//	POST /api/children                {"parent": [0], "pos": -1, "properties": {...}}
//	POST /api/references              {"referrer": [0], "referent": [1], "pos": -1}
//	POST /api/remove                  {"target": [0, 2]}
//	POST /api/move                    {"child": [0], "newParent": [1], "newPos": 0}
//	POST /api/reorder                 {"parent": [0], "oldPos": 0, "newPos": 2}
//	POST /api/properties              {"target": [0], "key": "x", "value": "text"}
//	POST /api/undo
//	POST /api/redo
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/mindtree/pkg/command"
	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/mindmap"
	"github.com/orneryd/mindtree/pkg/search"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// Errors for HTTP operations.
var (
	ErrServerClosed  = errors.New("server closed")
	ErrBadRequest    = errors.New("bad request")
	ErrInternalError = errors.New("internal server error")
)

const tracerName = "github.com/orneryd/mindtree/pkg/server"

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "127.0.0.1")
	Address string
	// Port to listen on (default: 7480). Zero picks a free port.
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 1MB)
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           7480,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 1 << 20,
	}
}

// Deps are the components the server serves.
type Deps struct {
	Model   *mindmap.Model
	Manager *command.Manager
	Search  *search.Worker
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer       prometheus.Gatherer
	Logger         *log.Logger
	TracerProvider trace.TracerProvider
}

// Server is the HTTP API server.
type Server struct {
	config  *Config
	model   *mindmap.Model
	manager *command.Manager
	store   *tree.Store
	search  *search.Worker
	metrics prometheus.Gatherer
	log     *log.Logger
	tracer  trace.Tracer

	// storeMu serializes all tree store access.
	storeMu sync.Mutex

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server. Model and Manager must share one tree store.
func New(deps Deps, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if deps.Model == nil || deps.Manager == nil || deps.Search == nil {
		return nil, fmt.Errorf("server: model, manager and search worker required")
	}
	if deps.Model.Store() != deps.Manager.Store() {
		return nil, fmt.Errorf("server: model and manager use different stores")
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Server{
		config:  config,
		model:   deps.Model,
		manager: deps.Manager,
		store:   deps.Manager.Store(),
		search:  deps.Search,
		metrics: deps.Gatherer,
		log:     logging.OrDiscard(deps.Logger).With("component", "http"),
		tracer:  tp.Tracer(tracerName),
	}, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "err", err)
		}
	}()
	s.log.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/vertices/{id}", s.handleVertex)
		r.Get("/vertices/{id}/export", s.handleExport)
		r.Get("/trash", s.handleTrash)
		r.Get("/search", s.handleSearch)

		r.Post("/children", s.handleAddChild)
		r.Post("/references", s.handleAddReference)
		r.Post("/remove", s.handleRemove)
		r.Post("/move", s.handleMove)
		r.Post("/reorder", s.handleReorder)
		r.Post("/properties", s.handleSetProperty)
		r.Post("/undo", s.handleUndo)
		r.Post("/redo", s.handleRedo)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path != "/health" {
			s.log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.log.Error("panic", "err", err, "stack", string(buf[:n]))
				s.writeError(w, http.StatusInternalServerError, "internal server error", ErrInternalError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Read handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": s.Stats()})
}

// LinkJSON is the wire form of a tree.Link.
type LinkJSON struct {
	Edge   storage.EdgeID   `json:"edge"`
	Type   tree.EdgeType    `json:"type"`
	Target storage.VertexID `json:"target"`
	Text   string           `json:"text"`
	Pos    int              `json:"pos"`
}

// VertexJSON is the response of GET /api/vertices/{id}.
type VertexJSON struct {
	mindmap.BasicInfo
	Path       []int          `json:"path,omitempty"`
	Trashed    bool           `json:"trashed"`
	Properties map[string]any `json:"properties,omitempty"`
	Links      []LinkJSON     `json:"links"`
}

func (s *Server) vertexParam(r *http.Request) storage.VertexID {
	id := chi.URLParam(r, "id")
	if id == "root" {
		return s.store.Root()
	}
	return storage.VertexID(id)
}

func (s *Server) handleVertex(w http.ResponseWriter, r *http.Request) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	v := s.vertexParam(r)
	out, err := s.describe(v)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) describe(v storage.VertexID) (VertexJSON, error) {
	vertex, err := s.store.Vertex(v)
	if err != nil {
		return VertexJSON{}, err
	}
	trashed, err := s.store.IsTrashed(v)
	if err != nil {
		return VertexJSON{}, err
	}
	out := VertexJSON{Trashed: trashed, Properties: vertex.Properties, Links: []LinkJSON{}}

	if trashed {
		text, err := s.model.Text(v)
		if err != nil {
			return VertexJSON{}, err
		}
		out.BasicInfo = mindmap.BasicInfo{ID: v, Text: text, ContextText: text}
	} else {
		if out.BasicInfo, err = s.model.Info(v); err != nil {
			return VertexJSON{}, err
		}
		if out.Path, err = s.store.PathOf(v); err != nil {
			return VertexJSON{}, err
		}
	}

	links, err := s.store.Links(v)
	if err != nil {
		return VertexJSON{}, err
	}
	for _, l := range links {
		text, err := s.model.Text(l.Target)
		if err != nil {
			return VertexJSON{}, err
		}
		out.Links = append(out.Links, LinkJSON{Edge: l.Edge, Type: l.Type, Target: l.Target, Text: text, Pos: l.Pos})
	}
	return out, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	outline, err := s.model.CopyTree(s.vertexParam(r))
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outline)
}

// TrashJSON describes one trashed subtree.
type TrashJSON struct {
	Root       storage.VertexID `json:"root"`
	Text       string           `json:"text"`
	Parent     storage.VertexID `json:"parent"`
	Pos        int              `json:"pos"`
	References int              `json:"references"`
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	roots, err := s.store.TrashedRoots()
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	out := make([]TrashJSON, 0, len(roots))
	for _, root := range roots {
		rec, err := s.store.TrashRecord(root)
		if err != nil {
			s.writeTreeError(w, err)
			return
		}
		text, err := s.model.Text(root)
		if err != nil {
			s.writeTreeError(w, err)
			return
		}
		out = append(out, TrashJSON{Root: root, Text: text, Parent: rec.Parent, Pos: rec.Pos, References: len(rec.Refs)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, http.StatusBadRequest, "missing query parameter q", ErrBadRequest)
		return
	}
	matches := []search.Match{}
	err := s.search.Query(r.Context(), q, func(m search.Match) error {
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

// =============================================================================
// Write handlers
// =============================================================================

// CommandResult is the response of every write endpoint.
type CommandResult struct {
	Applied bool `json:"applied"`
	// Path of the created vertex, for POST /api/children.
	Path    []int `json:"path,omitempty"`
	CanUndo bool  `json:"canUndo"`
	CanRedo bool  `json:"canRedo"`
}

type addChildRequest struct {
	Parent     []int          `json:"parent"`
	Pos        *int           `json:"pos"`
	Properties map[string]any `json:"properties"`
}

type addReferenceRequest struct {
	Referrer []int `json:"referrer"`
	Referent []int `json:"referent"`
	Pos      *int  `json:"pos"`
}

type removeRequest struct {
	Target []int `json:"target"`
}

type moveRequest struct {
	Child     []int `json:"child"`
	NewParent []int `json:"newParent"`
	NewPos    *int  `json:"newPos"`
	// Referrer and Pos address a reference instead of a child.
	Referrer []int `json:"referrer"`
	Pos      int   `json:"pos"`
}

type reorderRequest struct {
	Parent []int `json:"parent"`
	OldPos int   `json:"oldPos"`
	NewPos int   `json:"newPos"`
}

type setPropertyRequest struct {
	Target []int  `json:"target"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

// posOrEnd defaults a missing position to tree.End.
func posOrEnd(p *int) int {
	if p == nil {
		return tree.End
	}
	return *p
}

func (s *Server) handleAddChild(w http.ResponseWriter, r *http.Request) {
	var req addChildRequest
	if !s.decode(w, r, &req) {
		return
	}
	op := &command.AddingChild{Store: s.store, Parent: req.Parent, Pos: posOrEnd(req.Pos), Properties: req.Properties}
	s.run(w, r, op, op.Path)
}

func (s *Server) handleAddReference(w http.ResponseWriter, r *http.Request) {
	var req addReferenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.run(w, r, &command.AddingReference{
		Store: s.store, Referrer: req.Referrer, Referent: req.Referent, Pos: posOrEnd(req.Pos),
	}, nil)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.run(w, r, &command.Removing{Store: s.store, Target: req.Target}, nil)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Referrer != nil {
		s.run(w, r, &command.HandoveringReference{
			Store: s.store, Referrer: req.Referrer, Pos: req.Pos, NewReferrer: req.NewParent, NewPos: posOrEnd(req.NewPos),
		}, nil)
		return
	}
	s.run(w, r, &command.HandoveringChild{
		Store: s.store, Child: req.Child, NewParent: req.NewParent, NewPos: posOrEnd(req.NewPos),
	}, nil)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.run(w, r, &command.ChangingPosition{Store: s.store, Parent: req.Parent, OldPos: req.OldPos, NewPos: req.NewPos}, nil)
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var req setPropertyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "missing key", ErrBadRequest)
		return
	}
	s.run(w, r, &command.SettingProperty{Store: s.store, Target: req.Target, Key: req.Key, Value: req.Value}, nil)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, "undo", s.manager.Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, "redo", s.manager.Redo)
}

// run performs op through the manager. path, when set, is read after a
// successful perform.
func (s *Server) run(w http.ResponseWriter, r *http.Request, op command.Operator, path func() []int) {
	ctx, span := s.tracer.Start(r.Context(), "http."+op.Name())
	defer span.End()

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	applied, err := s.manager.Do(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.writeTreeError(w, err)
		return
	}
	span.SetAttributes(attribute.Bool("command.applied", applied))

	res := CommandResult{Applied: applied, CanUndo: s.manager.CanUndo(), CanRedo: s.manager.CanRedo()}
	if applied && path != nil {
		res.Path = path()
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	ctx, span := s.tracer.Start(r.Context(), "http."+name)
	defer span.End()

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.writeTreeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CommandResult{Applied: true, CanUndo: s.manager.CanUndo(), CanRedo: s.manager.CanRedo()})
}

// =============================================================================
// Helpers
// =============================================================================

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), ErrBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

// writeTreeError maps tree and command errors to HTTP statuses.
func (s *Server) writeTreeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tree.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tree.ErrInvalidArgument), errors.Is(err, tree.ErrTypeMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, tree.ErrCycleRejected),
		errors.Is(err, command.ErrNothingToUndo),
		errors.Is(err, command.ErrNothingToRedo),
		errors.Is(err, command.ErrGroupOpen):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, status, err.Error(), err)
}
