package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/duckhub/pkg/diagnose"
	"github.com/txn2/duckhub/pkg/manager"
	"github.com/txn2/duckhub/pkg/sessions"
)

type queryRequest struct {
	ConversationID   string `json:"conversation_id"`
	Workspace        string `json:"workspace"`
	SQL              string `json:"sql"`
	ExpectedDatabase string `json:"expected_database,omitempty"`
}

type queryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Count   int      `json:"count"`
}

type syncRequest struct {
	ConversationID string   `json:"conversation_id"`
	Workspace      string   `json:"workspace"`
	DatasourceIDs  []string `json:"datasource_ids"`
	DetachUnlisted bool     `json:"detach_unlisted"`
}

type resetRequest struct {
	ConversationID string `json:"conversation_id"`
	Workspace      string `json:"workspace"`
}

type errorResponse struct {
	Error       string           `json:"error"`
	Diagnostics *diagnose.Report `json:"diagnostics,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("server: writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode parses the JSON body and checks the session identifiers every
// request must carry.
func decode(w http.ResponseWriter, r *http.Request, v any, conversationID, workspace *string) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if *conversationID == "" || *workspace == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and workspace are required")
		return false
	}
	return true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req, &req.ConversationID, &req.Workspace) {
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	result, err := s.cfg.Manager.Query(r.Context(),
		req.ConversationID, req.Workspace, req.SQL, req.ExpectedDatabase)
	if err != nil {
		var qerr *manager.QueryError
		if errors.As(err, &qerr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:       qerr.Error(),
				Diagnostics: qerr.Report,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Columns: result.Columns,
		Rows:    result.Rows,
		Count:   result.Count,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decode(w, r, &req, &req.ConversationID, &req.Workspace) {
		return
	}

	// Resolver failures, unknown IDs included, surface per-datasource in
	// SyncResult.Failed; a top-level error here is a session-level fault.
	result, err := s.cfg.Manager.SyncDatasources(r.Context(),
		req.ConversationID, req.Workspace, req.DatasourceIDs, nil, req.DetachUnlisted)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sessions.ErrSessionClosed) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResetCache(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req, &req.ConversationID, &req.Workspace) {
		return
	}

	s.cfg.Manager.ResetSyncCache(req.ConversationID, req.Workspace)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.cfg.Manager.Sessions(),
	})
}
