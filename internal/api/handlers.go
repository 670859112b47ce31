package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// chatHandler processes one user message (POST /chat).
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.engine.ProcessMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, "chat", err)
		return
	}
	slog.Debug("Server.chatHandler: turn processed", "sessionID", req.SessionID, "turnID", reply.TurnID, "flow", reply.Debug.ActiveFlow)
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// sessionHandler returns stored session state (GET /sessions/{id}).
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "session status", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// turnsHandler returns the turn log (GET /sessions/{id}/turns).
func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	turns, err := s.engine.SessionTurns(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "session turns", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

// sessionStatsHandler summarizes one session's turn log (GET /sessions/{id}/stats).
func (s *Server) sessionStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.SessionStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "session stats", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// globalStatsHandler aggregates every live session (GET /stats).
func (s *Server) globalStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GlobalStats(r.Context())
	if err != nil {
		s.writeError(w, "global stats", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// replayHandler rebuilds a session from its turns and compares it with the
// stored state (GET /sessions/{id}/replay).
func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ReplaySession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "replay", err)
		return
	}
	if !report.Consistent {
		slog.Warn("Server.replayHandler: replay differs from stored state", "sessionID", report.SessionID, "turns", report.Turns)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Flows()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Health()))
}
