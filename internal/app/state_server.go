package app

import (
	"aviatordash/clients/agentapi"
	"aviatordash/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout    = 10 * time.Second
	commandTimeout    = 30 * time.Second
	maxCommandBodyLen = 1 << 20
)

// WebSocket upgrader for the live state mirror
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StateServer mirrors the store over HTTP and a websocket, and forwards
// commands to the agent through the Syncer.
type StateServer struct {
	logger *zap.Logger
	syncer *Syncer
	stats  func() ServiceStats
	server *http.Server
}

func NewStateServer(logger *zap.Logger, syncer *Syncer, stats func() ServiceStats) *StateServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateServer{
		logger: logger,
		syncer: syncer,
		stats:  stats,
	}
}

// Handler returns the server's routes.
func (s *StateServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.syncer.Store().Snapshot())
	})

	if s.stats != nil {
		mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.stats())
		})
	}

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, nil, s.syncer.Refresh(r.Context()))
	})
	mux.HandleFunc("POST /api/bot/start", func(w http.ResponseWriter, r *http.Request) {
		v, err := s.syncer.StartBot(r.Context())
		s.respond(w, v, err)
	})
	mux.HandleFunc("POST /api/bot/stop", func(w http.ResponseWriter, r *http.Request) {
		v, err := s.syncer.StopBot(r.Context())
		s.respond(w, v, err)
	})
	mux.HandleFunc("POST /api/betting/start", func(w http.ResponseWriter, r *http.Request) {
		var req agentapi.BettingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		v, err := s.syncer.StartBetting(r.Context(), req)
		s.respond(w, v, err)
	})
	mux.HandleFunc("POST /api/betting/stop", func(w http.ResponseWriter, r *http.Request) {
		v, err := s.syncer.StopBetting(r.Context())
		s.respond(w, v, err)
	})
	mux.HandleFunc("PUT /api/config", func(w http.ResponseWriter, r *http.Request) {
		var patch agentapi.ConfigPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		v, err := s.syncer.UpdateConfig(r.Context(), patch)
		s.respond(w, v, err)
	})
	mux.HandleFunc("PUT /api/elements", func(w http.ResponseWriter, r *http.Request) {
		var patch agentapi.ElementMap
		if !decodeBody(w, r, &patch) {
			return
		}
		v, err := s.syncer.UpdateElements(r.Context(), patch)
		s.respond(w, v, err)
	})
	mux.HandleFunc("PUT /api/credentials", func(w http.ResponseWriter, r *http.Request) {
		var creds agentapi.Credentials
		if !decodeBody(w, r, &creds) {
			return
		}
		v, err := s.syncer.SetCredentials(r.Context(), creds)
		s.respond(w, v, err)
	})

	return withCommandTimeout(mux)
}

// Start serves on port in the background.
func (s *StateServer) Start(port int) {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("state server error", zap.Error(err))
		}
	}()

	s.logger.Info("state server listening", zap.Int("port", port))
}

// Shutdown stops the server if it was started.
func (s *StateServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleWS pushes a snapshot on connect and after every store change.
// A slow client only ever sees the latest snapshot.
func (s *StateServer) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan state.Snapshot, 1)
	unsubscribe := s.syncer.Store().Subscribe(func(c state.Change) {
		select {
		case updates <- c.Snapshot:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- c.Snapshot:
			default:
			}
		}
	})
	defer unsubscribe()

	// Reads only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := s.writeSnapshot(conn, s.syncer.Store().Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case snap := <-updates:
			if err := s.writeSnapshot(conn, snap); err != nil {
				return // Client disconnected
			}
		}
	}
}

func (s *StateServer) writeSnapshot(conn *websocket.Conn, snap state.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(snap)
}

func (s *StateServer) respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("agent command failed", zap.Int("status", status), zap.Error(err))
		}
		writeJSON(w, status, map[string]any{
			"error":   errorCode(err),
			"message": err.Error(),
		})
		return
	}
	if body == nil {
		body = map[string]any{"ok": true}
	}
	writeJSON(w, http.StatusOK, body)
}

// errorStatus maps command failures onto HTTP statuses: local precondition
// failures are conflicts, remote failures keep the agent's status and
// network failures are bad gateways.
func errorStatus(err error) int {
	if errors.Is(err, ErrPrecondition) {
		return http.StatusConflict
	}
	var apiErr *agentapi.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == agentapi.KindRemote && apiErr.StatusCode >= 400 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadRequest
}

func errorCode(err error) string {
	if errors.Is(err, ErrPrecondition) {
		return "precondition_failed"
	}
	switch {
	case agentapi.IsRemote(err):
		return "agent_error"
	case agentapi.IsNetwork(err):
		return "agent_unreachable"
	}
	return "invalid_request"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBodyLen))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_json",
			"message": err.Error(),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withCommandTimeout bounds every request except the websocket.
func withCommandTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
