package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/ops"
)

// AdminHandler exposes the operator-facing views: scanner registry,
// pool capacity, queue depth and the dead letter queue.
type AdminHandler struct {
	ops         *ops.Ops
	redisClient *redis.Client
}

// NewAdminHandler builds an AdminHandler. redisClient is held
// separately from ops because HealthCheck pings Redis directly;
// internal/queue.Queue has no exported client accessor.
func NewAdminHandler(o *ops.Ops, redisClient *redis.Client) *AdminHandler {
	return &AdminHandler{ops: o, redisClient: redisClient}
}

// ListScanners handles GET /admin/scanners
func (h *AdminHandler) ListScanners(w http.ResponseWriter, r *http.Request) {
	result := h.ops.ListScanners(r.Context())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"scanners": result.Scanners,
		"count":    len(result.Scanners),
	})
}

// ListPools handles GET /admin/pools
func (h *AdminHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	result := h.ops.ListPools(r.Context())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pools":        result.Pools,
		"default_pool": result.DefaultPool,
	})
}

// GetPoolStatus handles GET /admin/pools/{pool}
func (h *AdminHandler) GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if pool == "" {
		h.respondError(w, http.StatusBadRequest, "pool is required")
		return
	}

	status, err := h.ops.GetPoolStatus(r.Context(), pool)
	if err != nil {
		h.respondAppErr(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// GetQueueStatus handles GET /admin/queue
func (h *AdminHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.ops.GetQueueStatus(r.Context())
	if err != nil {
		h.respondAppErr(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// ClearDLQ handles DELETE /admin/dlq/{pool}
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if pool == "" {
		h.respondError(w, http.StatusBadRequest, "pool is required")
		return
	}

	if err := h.ops.DLQClear(r.Context(), pool); err != nil {
		h.respondAppErr(w, err)
		return
	}

	logger.Info().Str("pool", pool).Msg("dlq cleared")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "dlq cleared",
		"pool":    pool,
	})
}

type requeueDLQRequest struct {
	TaskID string `json:"task_id"`
}

// RequeueDLQ handles POST /admin/dlq/{pool}/requeue
func (h *AdminHandler) RequeueDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if pool == "" {
		h.respondError(w, http.StatusBadRequest, "pool is required")
		return
	}

	var req requeueDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		h.respondError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := h.ops.DLQRequeue(r.Context(), pool, req.TaskID); err != nil {
		h.respondAppErr(w, err)
		return
	}

	logger.Info().Str("pool", pool).Str("task_id", req.TaskID).Msg("dlq entry requeued")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"task_id": req.TaskID,
	})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.redisClient.Ping(r.Context()).Err(); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"redis":  "connected",
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

func (h *AdminHandler) respondAppErr(w http.ResponseWriter, err error) {
	status := httpStatusForKind(apperr.KindOf(err))
	h.respondError(w, status, err.Error())
}
