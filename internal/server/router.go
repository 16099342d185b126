package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hirewise/aicore/internal/runtime"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
)

// CoreHTTP defines the minimal surface the router needs from the operation
// registry to serve HTTP requests.
type CoreHTTP interface {
	StartOperation(opType runtime.OperationType, payload runtime.Payload, priority ratelimit.Priority) (string, error)
	GetStatus(id string) (runtime.OperationStatus, error)
	Cancel(id string) error
	GetStats() runtime.Stats
}

type startOperationRequest struct {
	Type     string          `json:"type"`
	Payload  runtime.Payload `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

type startOperationResponse struct {
	OperationID string `json:"operationId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type coreHandler struct {
	core   CoreHTTP
	logger *slog.Logger
}

// NewCoreHandler wires the HTTP routing facade to the operation registry so
// the lifecycle server owns URL dispatch without embedding routing logic into
// the core itself.
func NewCoreHandler(core CoreHTTP, logger *slog.Logger) http.Handler {
	if core == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "core unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &coreHandler{core: core, logger: logger.With(slog.String("agent", "router"))}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/operations", h.startOperation)
	mux.HandleFunc("GET /v1/operations/{id}", h.getStatus)
	mux.HandleFunc("DELETE /v1/operations/{id}", h.cancelOperation)
	mux.HandleFunc("GET /v1/stats", h.getStats)
	mux.HandleFunc("GET /healthz", h.health)
	return mux
}

func (h *coreHandler) startOperation(w http.ResponseWriter, r *http.Request) {
	var req startOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opType, err := runtime.ParseOperationType(req.Type)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := ratelimit.ParsePriority(req.Priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.core.StartOperation(opType, req.Payload, priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, startOperationResponse{OperationID: id})
}

func (h *coreHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.core.GetStatus(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, runtime.ErrOperationNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *coreHandler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, runtime.ErrOperationNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *coreHandler) getStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.GetStats())
}

func (h *coreHandler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *coreHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response encoding failed", slog.Any("error", err))
	}
}

func (h *coreHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
