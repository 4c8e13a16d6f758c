// Package ipc provides the HTTP API for the governance core.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/governor"
)

// streamBuffer is how many events an SSE client may lag behind before
// further events are dropped for it.
const streamBuffer = 64

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Gov *governor.Governor
}

// NewHandler creates a Handler over gov.
func NewHandler(gov *governor.Governor) *Handler {
	return &Handler{Gov: gov}
}

// RecoverRequest is the body for POST /api/v1/breaker/recover.
type RecoverRequest struct {
	Reason string `json:"reason"`
}

// AssessRequest is the body for POST /api/v1/breaker/assess.
type AssessRequest struct {
	Contradictions   int     `json:"contradictions"`
	Load             float64 `json:"load"`
	ActionsPerMinute float64 `json:"actions_per_minute"`
}

// ActionRequest is the body for POST /api/v1/actions.
type ActionRequest struct {
	EngineID string   `json:"engine_id"`
	Action   string   `json:"action"`
	Payload  any      `json:"payload,omitempty"`
	Actions  []string `json:"actions,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.Gov.Health()
	status := http.StatusOK
	if health.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// BusStats handles GET /api/v1/bus/stats.
func (h *Handler) BusStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Gov.Bus.Stats())
}

// BusHistory handles GET /api/v1/bus/history?limit=N&type=T.
func (h *Handler) BusHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	events := h.Gov.Bus.History(limit, domain.EventType(r.URL.Query().Get("type")))
	writeJSON(w, http.StatusOK, events)
}

// GatewayStats handles GET /api/v1/gateway/stats.
func (h *Handler) GatewayStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Gov.Gateway.Stats())
}

// RegisterEngine handles POST /api/v1/engines.
func (h *Handler) RegisterEngine(w http.ResponseWriter, r *http.Request) {
	var req domain.EngineConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if err := h.Gov.Gateway.RegisterEngine(req); err != nil {
		writeError(w, err)
		return
	}
	reg, _ := h.Gov.Gateway.Engine(req.ID)
	writeJSON(w, http.StatusCreated, reg)
}

// GetEngine handles GET /api/v1/engines/{engineID}.
func (h *Handler) GetEngine(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Gov.Gateway.Engine(r.PathValue("engineID"))
	if !ok {
		writeError(w, domain.ErrEngineNotRegistered)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// ListAudit handles GET /api/v1/engines/{engineID}/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.Gov.DB == nil {
		writeJSON(w, http.StatusNotImplemented, APIError{Code: 501, Message: "persistence disabled"})
		return
	}
	records, err := h.Gov.Auditor.AuditRepo.ListByEngine(r.Context(), h.Gov.DB, r.PathValue("engineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Emit handles POST /api/v1/emit. A denied emission is still a 200; the
// result carries the reason.
func (h *Handler) Emit(w http.ResponseWriter, r *http.Request) {
	var req governor.EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.EngineID == "" || req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "engine_id and event_type are required"})
		return
	}
	writeJSON(w, http.StatusOK, h.Gov.Emit(r.Context(), req))
}

// Authorize handles POST /api/v1/actions.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.EngineID == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "engine_id and action are required"})
		return
	}
	writeJSON(w, http.StatusOK, h.Gov.Authorize(r.Context(), req.EngineID, req.Action, req.Payload, req.Actions))
}

// BreakerState handles GET /api/v1/breaker/state.
func (h *Handler) BreakerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Gov.Breaker.State())
}

// RecoverBreaker handles POST /api/v1/breaker/recover.
func (h *Handler) RecoverBreaker(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual recovery"
	}
	writeJSON(w, http.StatusOK, h.Gov.Breaker.AutoPauseAndRecover(req.Reason))
}

// AssessRisk handles POST /api/v1/breaker/assess.
func (h *Handler) AssessRisk(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Contradictions < 0 || req.Load < 0 || req.ActionsPerMinute < 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "signals must not be negative"})
		return
	}
	writeJSON(w, http.StatusOK, h.Gov.AssessRisk(req.Contradictions, req.Load, req.ActionsPerMinute))
}

// Timeline handles GET /api/v1/temporal/{scope}.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.PathValue("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.Gov.Temporal.Timeline(scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Analysis handles GET /api/v1/temporal/{scope}/analysis. It computes the
// analysis without publishing it.
func (h *Handler) Analysis(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.PathValue("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := h.Gov.Temporal.Analysis(scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Analyze handles POST /api/v1/temporal/{scope}/analyze, which also
// broadcasts the findings on the bus.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.PathValue("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := h.Gov.Temporal.Analyze(scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Parameters handles GET /api/v1/adaptive/parameters.
func (h *Handler) Parameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Gov.Adaptive.Parameters())
}

// ListAlerts handles GET /api/v1/alerts?type=T&limit=N from the store.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if h.Gov.Recorder == nil {
		writeJSON(w, http.StatusNotImplemented, APIError{Code: 501, Message: "persistence disabled"})
		return
	}
	alerts, err := h.Gov.Recorder.AlertRepo.List(r.Context(), h.Gov.DB, r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// StreamEvents handles GET /api/v1/events/stream?type=T&replay=N (SSE). It
// replays up to N events from history, then forwards live events until the
// client goes away. A slow client loses events rather than stalling the bus.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}
	filter := domain.EventType(r.URL.Query().Get("type"))

	ch := make(chan domain.Event, streamBuffer)
	forward := func(ev domain.Event) error {
		select {
		case ch <- ev:
		default:
		}
		return nil
	}
	var (
		subID string
		err   error
	)
	if filter == "" {
		subID, err = h.Gov.Bus.SubscribeAll(forward, bus.SubscribeOptions{Priority: -100})
	} else {
		subID, err = h.Gov.Bus.Subscribe(filter, forward, bus.SubscribeOptions{Priority: -100})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	defer h.Gov.Bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if n := queryInt(r, "replay", 0); n > 0 {
		for _, ev := range h.Gov.Bus.History(n, filter) {
			writeSSEEvent(w, flusher, ev)
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			writeSSEEvent(w, flusher, ev)
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrEngineNotRegistered.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateEngine.Code:
			status = http.StatusConflict
		case domain.ErrInvalidEngine.Code, domain.ErrInvalidPrivilege.Code, domain.ErrInvalidScope.Code, domain.ErrInvalidEventType.Code:
			status = http.StatusBadRequest
		case domain.ErrBusClosed.Code, domain.ErrAuthorityUnreachable.Code:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		f.Flush()
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.ID, data)
	f.Flush()
}
