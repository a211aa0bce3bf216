package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/ops"
	"github.com/maumercado/task-queue-go/internal/projector"
	"github.com/maumercado/task-queue-go/internal/task"
)

// ScanHandler binds the scan-lifecycle HTTP routes to internal/ops.
type ScanHandler struct {
	ops *ops.Ops
}

func NewScanHandler(o *ops.Ops) *ScanHandler {
	return &ScanHandler{ops: o}
}

type submitScanRequest struct {
	Targets        string `json:"targets"`
	ScanName       string `json:"scan_name"`
	Description    string `json:"description,omitempty"`
	ScanType       string `json:"scan_type"`
	ScannerPool    string `json:"scanner_pool,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Submit handles POST /api/v1/scans
func (h *ScanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.ops.SubmitScan(r.Context(), ops.SubmitScanRequest{
		Targets:        req.Targets,
		ScanName:       req.ScanName,
		Description:    req.Description,
		ScanType:       task.ScanType(req.ScanType),
		ScannerPool:    req.ScannerPool,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondAppErr(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id":    result.TaskID,
		"status":     result.Status,
		"idempotent": result.Idempotent,
	})
}

// GetStatus handles GET /api/v1/scans/{taskID}
func (h *ScanHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	status, err := h.ops.GetScanStatus(r.Context(), taskID)
	if err != nil {
		h.respondAppErr(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// List handles GET /api/v1/scans
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	result, err := h.ops.ListTasks(r.Context(), ops.ListTasksRequest{
		Status: task.State(q.Get("status")),
		Pool:   q.Get("pool"),
		Limit:  limit,
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		h.respondAppErr(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       result.Tasks,
		"total":       result.Total,
		"next_cursor": result.NextCursor,
	})
}

// Cancel handles DELETE /api/v1/scans/{taskID}
func (h *ScanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	result, err := h.ops.CancelScan(r.Context(), taskID)
	if err != nil {
		h.respondAppErr(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": result.TaskID, "status": result.Status})
}

// GetResults handles GET /api/v1/scans/{taskID}/results. Query
// parameters: page, page_size, schema_profile, custom_fields (comma
// separated), and filter.<field>=<expr> for each filter predicate.
func (h *ScanHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	q := r.URL.Query()

	var page *int
	if raw := q.Get("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "page must be an integer")
			return
		}
		page = &p
	}

	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	var customFields []string
	if cf := q.Get("custom_fields"); cf != "" {
		customFields = strings.Split(cf, ",")
	}

	filters := make(map[string]string)
	for key, vals := range q {
		if name, ok := strings.CutPrefix(key, "filter."); ok && len(vals) > 0 {
			filters[name] = vals[0]
		}
	}

	out, err := h.ops.GetScanResults(r.Context(), taskID, ops.GetScanResultsRequest{
		Page:          page,
		PageSize:      pageSize,
		SchemaProfile: projector.Profile(q.Get("schema_profile")),
		CustomFields:  customFields,
		Filters:       filters,
	})
	if err != nil {
		h.respondAppErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to write scan results response")
	}
}

func (h *ScanHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *ScanHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

func (h *ScanHandler) respondAppErr(w http.ResponseWriter, err error) {
	status := httpStatusForKind(apperr.KindOf(err))
	h.respondError(w, status, err.Error())
}
