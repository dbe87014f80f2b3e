// Package server exposes the assistant over HTTP, a dialogue websocket and
// a gRPC health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wires the HTTP API to the components.
type Server struct {
	dialogue     *dialogue.Orchestrator
	critic       *adversarial.Pipeline
	ingester     *ingest.Ingester
	consolidator *consolidation.Consolidator

	router   chi.Router
	upgrader websocket.Upgrader
	health   *health.Server

	shutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a server.
func New(d *dialogue.Orchestrator, critic *adversarial.Pipeline, ingester *ingest.Ingester, consolidator *consolidation.Consolidator, opts ...Option) *Server {
	s := &Server{
		dialogue:        d,
		critic:          critic,
		ingester:        ingester,
		consolidator:    consolidator,
		health:          health.NewServer(),
		shutdownTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogger)

	r.Get("/healthz", s.handleHealth)
	r.Post("/chat", s.handleChat)
	r.Post("/critique", s.handleCritique)
	r.Post("/papers", s.handlePaper)
	r.Post("/consolidate", s.handleConsolidateAll)
	r.Post("/consolidate/{userID}", s.handleConsolidate)
	r.Get("/ws", s.handleWebSocket)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server {
	return s.health
}

// Run serves HTTP on httpAddr and gRPC health on grpcAddr until ctx is
// done, then shuts both down. An empty grpcAddr disables gRPC.
func (s *Server) Run(ctx context.Context, httpAddr, grpcAddr string) error {
	logger := logging.Component(ctx, "server")

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return goerr.Wrap(err, "failed to listen for grpc", goerr.V("addr", grpcAddr))
		}
		grpcListener = lis
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "http server failed", goerr.V("addr", httpAddr))
		}
		return nil
	})
	if grpcServer != nil {
		eg.Go(func() error {
			logger.Info("grpc health server listening", "addr", grpcAddr)
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return goerr.Wrap(err, "grpc server failed", goerr.V("addr", grpcAddr))
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down http server")
		}
		return nil
	})
	return eg.Wait()
}

func withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.From(r.Context()).With(
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req dialogue.Request
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.dialogue.Respond(r.Context(), &req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type critiqueRequest struct {
	UserID  string `json:"user_id"`
	ScopeID string `json:"scope_id,omitempty"`
	Claim   string `json:"claim"`
}

func (s *Server) handleCritique(w http.ResponseWriter, r *http.Request) {
	var req critiqueRequest
	if !decode(w, r, &req) {
		return
	}
	var scope *memory.Filter
	if req.UserID != "" || req.ScopeID != "" {
		scope = &memory.Filter{OwnerID: req.UserID, ScopeID: req.ScopeID}
	}
	report, err := s.critic.Critique(r.Context(), req.Claim, scope)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type paperResponse struct {
	PaperID string `json:"paper_id"`
	*ingest.Analysis
}

func (s *Server) handlePaper(w http.ResponseWriter, r *http.Request) {
	var paper ingest.Paper
	if !decode(w, r, &paper) {
		return
	}
	analysis, err := s.ingester.Ingest(r.Context(), paper)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paperResponse{PaperID: paper.ID, Analysis: analysis})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	res, err := s.consolidator.Run(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsolidateAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.consolidator.RunAll(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// wsReply is one websocket frame sent back per request frame.
type wsReply struct {
	*dialogue.Response
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.Component(ctx, "server")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req dialogue.Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var reply wsReply
		resp, err := s.dialogue.Respond(ctx, &req)
		if err != nil {
			_, msg := status(err)
			reply.Error = msg
		} else {
			reply.Response = resp
		}
		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// status maps an error kind to an HTTP status and a client-safe message.
func status(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, consolidation.ErrAlreadyConsolidating):
		return http.StatusConflict, err.Error()
	case errors.Is(err, core.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, core.ErrMalformedResponse):
		return http.StatusBadGateway, "malformed model response"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code, msg := status(err)
	logger := logging.Component(ctx, "server")
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "status", code, "error", err)
	} else {
		logger.Info("request rejected", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
