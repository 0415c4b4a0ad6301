// Package api serves the agent registry, the conversation log and purchase
// control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/orchestrator"
	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/types"
)

// Error codes returned in the "error" field.
const (
	CodeInvalidJSON       = "InvalidJSON"
	CodeInvalidAgent      = "InvalidAgent"
	CodeUnknownAgent      = "UnknownAgent"
	CodeRolesUnresolved   = "RolesUnresolved"
	CodeAttemptInProgress = "AttemptInProgress"
	CodeNotFound          = "NotFound"
	CodeInternal          = "Internal"
)

// Server is the HTTP API for agents and observers.
type Server struct {
	registry     *registry.Registry
	bus          *conversation.Bus
	orchestrator *orchestrator.Orchestrator
	mux          *http.ServeMux
}

// NewServer creates the API server. ws, when non-nil, is mounted at /ws.
func NewServer(reg *registry.Registry, bus *conversation.Bus, orch *orchestrator.Orchestrator, ws http.Handler) *Server {
	s := &Server{
		registry:     reg,
		bus:          bus,
		orchestrator: orch,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/register-agent", s.handleRegister)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.HandleFunc("GET /api/conversation", s.handleConversation)
	s.mux.HandleFunc("DELETE /api/conversation", s.handleClearConversation)
	s.mux.HandleFunc("POST /api/start-demo", s.handleStartDemo)
	s.mux.HandleFunc("POST /api/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/attempt", s.handleAttempt)
	if ws != nil {
		s.mux.Handle("GET /ws", ws)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type okBody struct {
	OK        bool            `json:"ok"`
	AttemptID types.AttemptID `json:"attemptId,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"agents":          len(s.registry.List()),
		"entries":         s.bus.Len(),
		"attemptInFlight": s.orchestrator.Active(),
	})
}

// RegisterRequest is the JSON body for POST /api/register-agent.
type RegisterRequest struct {
	ID           types.AgentID  `json:"id,omitempty"`
	Role         types.Role     `json:"role"`
	DisplayName  string         `json:"displayName"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, err)
		return
	}
	if req.ID == "" {
		req.ID = types.NewAgentID()
	}

	rec, err := s.registry.Register(types.AgentRecord{
		ID:           req.ID,
		Role:         req.Role,
		DisplayName:  req.DisplayName,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidAgent, err)
		return
	}

	slog.Info("agent registered", "agent_id", rec.ID, "role", rec.Role)
	writeJSON(w, http.StatusOK, map[string]types.AgentID{"id": rec.ID})
}

// HeartbeatRequest is the JSON body for POST /api/heartbeat.
type HeartbeatRequest struct {
	AgentID types.AgentID `json:"agentId"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidAgent, errors.New("agentId is required"))
		return
	}

	if err := s.registry.Heartbeat(req.AgentID); err != nil {
		if errors.Is(err, types.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, CodeUnknownAgent, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	entries := s.bus.Snapshot()
	if entries == nil {
		entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	s.bus.Clear()
	slog.Info("conversation cleared")
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// StartRequest is the optional JSON body for POST /api/start-demo.
type StartRequest struct {
	BuyerID  types.AgentID `json:"buyerId,omitempty"`
	SellerID types.AgentID `json:"sellerId,omitempty"`
}

func (s *Server) handleStartDemo(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, err)
		return
	}

	// The attempt outlives the request; only Cancel or shutdown stops it.
	ctx := context.WithoutCancel(r.Context())
	id, err := s.orchestrator.Launch(ctx, req.BuyerID, req.SellerID, nil)
	if err != nil {
		code := CodeInternal
		switch {
		case errors.Is(err, types.ErrAttemptInProgress):
			code = CodeAttemptInProgress
		case errors.Is(err, types.ErrRolesUnresolved):
			code = CodeRolesUnresolved
		}
		writeError(w, http.StatusInternalServerError, code, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true, AttemptID: id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.orchestrator.Cancel()})
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.orchestrator.Current()
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, errors.New("no purchase attempt yet"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, errCode string, err error) {
	body := errorBody{Error: errCode}
	if err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, code, body)
}
