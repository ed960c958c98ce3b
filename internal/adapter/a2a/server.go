package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/middleware"
	"agentbridge/internal/usecase/bridge"
	"agentbridge/internal/usecase/discovery"
)

// Handler routes one inbound envelope to a reply. *bridge.Router
// satisfies it.
type Handler interface {
	Handle(ctx context.Context, env domain.Envelope) domain.Envelope
}

// Discoverer serves the JSON discovery API. *discovery.Orchestrator
// satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, query string, opts discovery.Options) (domain.DiscoveryResult, error)
	DiscoverStrategy(ctx context.Context, strategy domain.Strategy, query string, opts discovery.Options) (domain.DiscoveryResult, error)
}

// ServerConfig holds listener and hygiene settings.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64
	WebSocket         bool
	RateLimit         *middleware.RateLimitConfig // nil disables rate limiting
}

// ServerDeps holds the collaborators of a Server. Handler is required.
type ServerDeps struct {
	Handler    Handler
	Discoverer Discoverer
	Facts      domain.AgentFacts
	Logger     *slog.Logger
}

// Server exposes the agent over HTTP: directed messages, a websocket
// stream of envelopes, health, capability facts and the discovery API.
type Server struct {
	cfg     ServerConfig
	deps    ServerDeps
	logger  *slog.Logger
	httpSrv *http.Server

	mu        sync.Mutex
	boundAddr string
	conns     map[uint64]*websocket.Conn
	nextID    atomic.Uint64
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		conns:  make(map[uint64]*websocket.Conn),
	}
}

// Handler returns the full middleware-wrapped mux. ctx bounds background
// goroutines owned by the middleware.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+Path, s.handleA2A)
	mux.HandleFunc("GET "+Path, s.handleFacts)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /agent-facts/{id}", s.handleFactsByID)
	mux.HandleFunc("POST /api/v1/discover", s.handleDiscover)
	if s.cfg.WebSocket {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	mws := []middleware.Middleware{
		middleware.Recover(s.logger),
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
	}
	if s.cfg.RateLimit != nil {
		mws = append(mws, middleware.RateLimit(ctx, *s.cfg.RateLimit))
	}
	mws = append(mws, middleware.MaxBytes(s.cfg.MaxBodyBytes))
	return middleware.Chain(mux, mws...)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("a2a listen: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("a2a server started", "addr", listener.Addr().String(), "agent_id", s.deps.Facts.AgentID)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Warn("a2a server shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("a2a serve: %w", err)
	}
	return nil
}

// Stop closes websocket streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.conns, id)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

type errorBody struct {
	Error     string           `json:"error"`
	ErrorCode domain.ErrorCode `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), ErrorCode: domain.ErrorCodeOf(err)})
}

func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.NewDomainError("A2A.Receive", domain.ErrMalformedEnvelope, "body too large"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	env, err := bridge.ParseEnvelope(raw)
	if err != nil {
		s.logger.Warn("rejected inbound envelope", "error", err, "error_code", domain.ErrorCodeOf(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Handler.Handle(r.Context(), env))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"agent_id": s.deps.Facts.AgentID,
	})
}

func (s *Server) handleFacts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Facts)
}

func (s *Server) handleFactsByID(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") != s.deps.Facts.AgentID {
		writeError(w, http.StatusNotFound, domain.NewDomainError("A2A.Facts", domain.ErrNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Facts)
}

// DiscoverRequest is the body of POST /api/v1/discover.
type DiscoverRequest struct {
	Query         string   `json:"query"`
	Strategy      string   `json:"strategy,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	MinScore      *float64 `json:"min_score,omitempty"`
	ExcludeAgents []string `json:"exclude_agents,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	Status        string   `json:"status,omitempty"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		writeError(w, http.StatusServiceUnavailable, domain.NewDomainError("A2A.Discover", domain.ErrDisabled, bridge.DiscoveryMissing))
		return
	}

	var req DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("A2A.Discover", domain.ErrInvalidInput, err.Error()))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("A2A.Discover", domain.ErrInvalidInput, "query is required"))
		return
	}

	opts := discovery.Options{
		Limit:         req.Limit,
		MinScore:      req.MinScore,
		ExcludeAgents: req.ExcludeAgents,
		Domain:        req.Domain,
		Status:        domain.AgentStatus(req.Status),
	}

	var (
		res domain.DiscoveryResult
		err error
	)
	if req.Strategy != "" {
		strategy, ok := domain.ParseStrategy(req.Strategy)
		if !ok {
			writeError(w, http.StatusBadRequest, domain.NewDomainError("A2A.Discover", domain.ErrInvalidInput, "unknown strategy "+req.Strategy))
			return
		}
		res, err = s.deps.Discoverer.DiscoverStrategy(r.Context(), strategy, req.Query, opts)
	} else {
		res, err = s.deps.Discoverer.Discover(r.Context(), req.Query, opts)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrDirectoryUnavailable) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWebSocket reads one envelope per text frame and writes one reply
// envelope per frame, in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxBodyBytes)

	id := s.nextID.Add(1)
	s.mu.Lock()
	s.conns[id] = ws
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", "conn_id", id)

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("websocket client disconnected", "conn_id", id)
	}()

	ctx := r.Context()
	for {
		typ, raw, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var out any
		env, err := bridge.ParseEnvelope(raw)
		if err != nil {
			out = errorBody{Error: err.Error(), ErrorCode: domain.ErrorCodeOf(err)}
		} else {
			out = s.deps.Handler.Handle(ctx, env)
		}

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = wsjson.Write(wctx, ws, out)
		cancel()
		if err != nil {
			return
		}
	}
}
