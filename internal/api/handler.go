package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/eugenenazirov/aeih-state/internal/state"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const maxBodyBytes = 1 << 20

// StateManager is the subset of state.Manager the handlers depend on.
type StateManager interface {
	RegisterModule(ctx context.Context, id string, data map[string]any) error
	UpdateModuleStatus(ctx context.Context, id, status string, metadata map[string]any) error
	GetModule(ctx context.Context, id string) (*state.Module, error)
	LogPerformance(ctx context.Context, id string, metrics map[string]any, opts ...state.LogOption) (string, error)
	ListPerformance(ctx context.Context, id string, limit int) ([]state.PerformanceEntry, error)
	Backend() string
	Degraded() bool
}

// Handler wires the state manager into HTTP handlers.
type Handler struct {
	state    StateManager
	snapshot func() map[string]any

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithConfigSnapshot exposes a configuration snapshot on GET /api/config.
func WithConfigSnapshot(snapshot func() map[string]any) HandlerOption {
	return func(h *Handler) {
		h.snapshot = snapshot
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(manager StateManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		state: manager,
		snapshot: func() map[string]any {
			return map[string]any{}
		},
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Backend:   h.state.Backend(),
		Degraded:  h.state.Degraded(),
		Timestamp: h.clock(),
	}
	if resp.Degraded {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) handleRegisterModule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var data map[string]any
	if !decodeBody(w, r, &data) {
		return
	}

	if err := h.state.RegisterModule(r.Context(), id, data); err != nil {
		writeStateError(w, err)
		return
	}

	h.writeModule(w, r, id, http.StatusOK)
}

func (h *Handler) handleGetModule(w http.ResponseWriter, r *http.Request) {
	h.writeModule(w, r, r.PathValue("id"), http.StatusOK)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.state.UpdateModuleStatus(r.Context(), id, req.Status, req.Metadata); err != nil {
		writeStateError(w, err)
		return
	}

	h.writeModule(w, r, id, http.StatusOK)
}

func (h *Handler) handleLogPerformance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req performanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var opts []state.LogOption
	if req.IdempotencyKey != "" {
		opts = append(opts, state.WithIdempotencyKey(req.IdempotencyKey))
	}

	recordID, err := h.state.LogPerformance(r.Context(), id, req.Metrics, opts...)
	if err != nil {
		writeStateError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, performanceResponse{ID: recordID, ModuleID: id})
}

func (h *Handler) handleListPerformance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid request", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.state.ListPerformance(r.Context(), id, limit)
	if err != nil {
		writeStateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, performanceListResponse{ModuleID: id, Entries: entries})
}

func (h *Handler) writeModule(w http.ResponseWriter, r *http.Request, id string, status int) {
	module, err := h.state.GetModule(r.Context(), id)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, status, module)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return false
	}
	return true
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type statusRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

type performanceRequest struct {
	Metrics        map[string]any `json:"metrics"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type performanceResponse struct {
	ID       string `json:"id"`
	ModuleID string `json:"moduleId"`
}

type performanceListResponse struct {
	ModuleID string                   `json:"moduleId"`
	Entries  []state.PerformanceEntry `json:"entries"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Backend   string    `json:"backend"`
	Degraded  bool      `json:"degraded"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

// writeStateError maps a state error kind onto an HTTP status.
func writeStateError(w http.ResponseWriter, err error) {
	switch state.KindOf(err) {
	case state.KindValidation:
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case state.KindNotFound:
		writeError(w, http.StatusNotFound, "Module not found", err.Error(), "Register the module before updating it")
	default:
		writeError(w, http.StatusBadGateway, "Document store unavailable", err.Error())
	}
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
