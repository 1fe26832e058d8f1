package cmd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

// SessionAPI exposes the conversation recorder and the working tier's
// context window over HTTP.
type SessionAPI struct {
	recorder *memory.Recorder
	working  *memory.WorkingTier
	errs     *MemoryAPI
}

// RegisterSessionRoutes adds session endpoints to the given mux.
func (s *SessionAPI) RegisterSessionRoutes(mux *http.ServeMux, mw func(string, http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/v1/session/record", mw("/v1/session/record", s.handleRecord))
	mux.HandleFunc("/v1/session/context", mw("/v1/session/context", s.handleContext))
	mux.HandleFunc("/v1/session/info", mw("/v1/session/info", s.handleInfo))
	mux.HandleFunc("/v1/session/clear", mw("/v1/session/clear", s.handleClear))
}

type recordBody struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

type sessionInfo struct {
	SessionID string `json:"session_id"`
	Turns     int    `json:"turns"`
}

func (s *SessionAPI) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recordBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" || req.Assistant == "" {
		writeJSONError(w, "user and assistant are required", http.StatusBadRequest)
		return
	}

	ids, err := s.recorder.Record(r.Context(), req.User, req.Assistant)
	if err != nil {
		s.errs.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": s.recorder.SessionID(),
		"turn":       s.recorder.Turns(),
		"ids":        ids,
	})
}

func (s *SessionAPI) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.working == nil {
		writeJSONError(w, "working memory is not enabled", http.StatusNotFound)
		return
	}

	maxLen := defaultContextSummaryMaxChars
	if raw := r.URL.Query().Get("max_length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, "max_length must be a positive integer", http.StatusBadRequest)
			return
		}
		maxLen = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"context":   s.working.ContextSummary(maxLen),
		"recent":    s.working.Recent(5),
		"important": s.working.Important(5),
	})
}

func (s *SessionAPI) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo{SessionID: s.recorder.SessionID(), Turns: s.recorder.Turns()})
}

func (s *SessionAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.recorder.ClearSession(r.Context()); err != nil {
		s.errs.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
