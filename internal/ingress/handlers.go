package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/monitor"
	"go.uber.org/zap"
)

// interceptRequest is the common envelope every intercept call carries.
type interceptRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	SkillID   string `json:"skill_id,omitempty"`

	// Network.
	URL      string `json:"url,omitempty"`
	Method   string `json:"method,omitempty"`
	Hostname string `json:"hostname,omitempty"`

	// Filesystem.
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Size      int64  `json:"size,omitempty"`

	// Process.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Cost.
	Tokens float64 `json:"tokens,omitempty"`
}

// interceptResponse mirrors the monitor's result contract.
type interceptResponse struct {
	Allowed   bool                      `json:"allowed"`
	Event     schemas.BehaviorEvent     `json:"event"`
	Detection *schemas.ThreatDetection  `json:"detection"`
	Anomaly   bool                      `json:"anomaly,omitempty"`
	Kill      *schemas.KillSwitchResult `json:"kill,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) decodeIntercept(w http.ResponseWriter, r *http.Request) (*interceptRequest, bool) {
	var req interceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return nil, false
	}
	if req.SessionID == "" || req.AgentID == "" {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id and agent_id are required"})
		return nil, false
	}
	return &req, true
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntercept(w, r)
	if !ok {
		return
	}
	res, err := s.monitor.InterceptNetworkRequest(r.Context(), req.action(), req.URL, req.Method, req.Hostname)
	s.respondIntercept(w, res, err)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntercept(w, r)
	if !ok {
		return
	}
	res, err := s.monitor.InterceptFileAccess(r.Context(), req.action(), req.Path, req.Operation, req.Size)
	s.respondIntercept(w, res, err)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntercept(w, r)
	if !ok {
		return
	}
	res, err := s.monitor.InterceptProcessSpawn(r.Context(), req.action(), req.Command, req.Args)
	s.respondIntercept(w, res, err)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntercept(w, r)
	if !ok {
		return
	}
	res, err := s.monitor.InterceptCostUsage(r.Context(), req.action(), req.Tokens)
	s.respondIntercept(w, res, err)
}

// handleEvaluate is the reconciliation endpoint: it re-checks a session's
// recorded history and kills it if a critical threat is already on file.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id query parameter is required"})
		return
	}

	result, err := s.killer.Evaluate(r.Context(), sessionID, agentID)
	if err != nil {
		s.log.Error("Session evaluation failed", zap.String("session_id", sessionID), zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (req *interceptRequest) action() monitor.Action {
	return monitor.Action{SessionID: req.SessionID, AgentID: req.AgentID, SkillID: req.SkillID}
}

func (s *Server) respondIntercept(w http.ResponseWriter, res *monitor.Result, err error) {
	if err != nil {
		// The verdict may still have been recorded; infrastructure failure
		// is reported as such, never as an allow.
		s.log.Error("Intercept failed", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, interceptResponse{
		Allowed:   res.Allowed,
		Event:     res.Event,
		Detection: res.Detection,
		Anomaly:   res.Anomaly,
		Kill:      res.Kill,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("Failed to encode response", zap.Error(err))
	}
}
