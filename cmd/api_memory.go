package cmd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

// MemoryAPI handles memory-related HTTP endpoints.
type MemoryAPI struct {
	manager  *memory.Manager
	recorder *memory.Recorder
	logger   *slog.Logger
}

// RegisterMemoryRoutes adds memory endpoints to the given mux.
func (m *MemoryAPI) RegisterMemoryRoutes(mux *http.ServeMux, mw func(string, http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/v1/memory/add", mw("/v1/memory/add", m.handleAdd))
	mux.HandleFunc("/v1/memory/search", mw("/v1/memory/search", m.handleSearch))
	mux.HandleFunc("/v1/memory/get", mw("/v1/memory/get", m.handleGet))
	mux.HandleFunc("/v1/memory/update", mw("/v1/memory/update", m.handleUpdate))
	mux.HandleFunc("/v1/memory/remove", mw("/v1/memory/remove", m.handleRemove))
	mux.HandleFunc("/v1/memory/forget", mw("/v1/memory/forget", m.handleForget))
	mux.HandleFunc("/v1/memory/consolidate", mw("/v1/memory/consolidate", m.handleConsolidate))
	mux.HandleFunc("/v1/memory/stats", mw("/v1/memory/stats", m.handleStats))
	mux.HandleFunc("/v1/memory/summary", mw("/v1/memory/summary", m.handleSummary))
	mux.HandleFunc("/v1/memory/clear", mw("/v1/memory/clear", m.handleClear))
}

type addBody struct {
	memory.AddRequest
	FilePath string `json:"file_path,omitempty"`
	Modality string `json:"modality,omitempty"`
}

type updateBody struct {
	ID         string                 `json:"id"`
	Content    *string                `json:"content,omitempty"`
	Importance *float64               `json:"importance,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type idBody struct {
	ID string `json:"id"`
}

type forgetBody struct {
	Strategy   string   `json:"strategy"`
	Threshold  *float64 `json:"threshold,omitempty"`
	MaxAgeDays *float64 `json:"max_age_days,omitempty"`
}

type consolidateBody struct {
	From      memory.TierKind `json:"from"`
	To        memory.TierKind `json:"to"`
	Threshold *float64        `json:"threshold,omitempty"`
}

// Defaults shared by the HTTP and MCP surfaces.
const (
	defaultMaxAgeDays             = 30
	defaultConsolidateThreshold   = 0.7
	defaultSummaryLimit           = 10
	defaultContextSummaryMaxChars = 500
)

func (m *MemoryAPI) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req addBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := m.recorder.AddWithSession(r.Context(), req.AddRequest, req.FilePath, req.Modality)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (m *MemoryAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req memory.RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	items, err := m.manager.Retrieve(r.Context(), req)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": items, "count": len(items)})
}

func (m *MemoryAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	item, err := m.manager.Get(r.Context(), id)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (m *MemoryAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req updateBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	ok, err := m.manager.Update(r.Context(), req.ID, memory.Patch{
		Content:    req.Content,
		Importance: req.Importance,
		Metadata:   req.Metadata,
	})
	if err != nil {
		m.writeError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, "memory "+req.ID+" not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "updated": true})
}

func (m *MemoryAPI) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req idBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	ok, err := m.manager.Remove(r.Context(), req.ID)
	if err != nil {
		m.writeError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, "memory "+req.ID+" not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "removed": true})
}

func (m *MemoryAPI) handleForget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req forgetBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fr, err := m.forgetRequest(req.Strategy, req.Threshold, req.MaxAgeDays)
	if err != nil {
		m.writeError(w, err)
		return
	}
	n, err := m.manager.Forget(r.Context(), fr)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategy": fr.Strategy, "forgotten": n})
}

// forgetRequest fills in the configured threshold and the 30 day age limit
// when the caller leaves them out.
func (m *MemoryAPI) forgetRequest(strategy string, threshold, maxAgeDays *float64) (memory.ForgetRequest, error) {
	s, err := memory.ParseForgetStrategy(strategy)
	if err != nil {
		return memory.ForgetRequest{}, err
	}
	req := memory.ForgetRequest{
		Strategy:  s,
		Threshold: m.manager.Config().ImportanceForgetThreshold,
		MaxAge:    defaultMaxAgeDays * 24 * time.Hour,
	}
	if threshold != nil {
		req.Threshold = *threshold
	}
	if maxAgeDays != nil {
		req.MaxAge = time.Duration(*maxAgeDays * float64(24*time.Hour))
	}
	return req, nil
}

func (m *MemoryAPI) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := consolidateBody{From: memory.TierWorking, To: memory.TierEpisodic}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	threshold := defaultConsolidateThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	n, err := m.manager.Consolidate(r.Context(), req.From, req.To, threshold)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"from": req.From, "to": req.To, "consolidated": n})
}

func (m *MemoryAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := m.manager.Stats(r.Context())
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (m *MemoryAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultSummaryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	summary, err := m.manager.Summary(r.Context(), limit)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (m *MemoryAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.manager.ClearAll(r.Context()); err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// writeError maps engine errors onto HTTP status codes.
func (m *MemoryAPI) writeError(w http.ResponseWriter, err error) {
	var (
		validation    *memory.ValidationError
		backend       *memory.BackendError
		consolidation *memory.ConsolidationError
	)
	switch {
	case errors.As(err, &validation):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, memory.ErrNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &consolidation):
		m.logger.Error("consolidation incomplete", "restored", consolidation.Restored, "lost", consolidation.Lost, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":    err.Error(),
			"moved":    consolidation.Moved,
			"restored": consolidation.Restored,
			"lost":     consolidation.Lost,
		})
	case errors.As(err, &backend):
		m.logger.Error("backend failure", "tier", backend.Tier, "op", backend.Op, "error", err)
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		m.logger.Error("request failed", "error", err)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
