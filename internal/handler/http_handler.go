package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/errors"
	"github.com/opsledger/be-validation-workflow/internal/logger"
	"github.com/opsledger/be-validation-workflow/internal/repository"
	"github.com/opsledger/be-validation-workflow/internal/service"
)

// HTTPHandler exposes the threshold store and workflow engine over HTTP.
type HTTPHandler struct {
	thresholds *service.ThresholdService
	workflow   *service.WorkflowService
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(thresholds *service.ThresholdService, workflow *service.WorkflowService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		thresholds: thresholds,
		workflow:   workflow,
		log:        log,
	}
}

// ── Thresholds ────────────────────────────────────────────────────────────────

type thresholdPayload struct {
	WorkspaceID      string  `json:"workspace_id"`
	EntityType       string  `json:"entity_type"`
	Category         *string `json:"category,omitempty"`
	Level1           int64   `json:"level1"`
	Level2           int64   `json:"level2"`
	Level3           int64   `json:"level3"`
	AutoApproveBelow int64   `json:"auto_approve_below"`
	RequireAllLevels bool    `json:"require_all_levels"`
}

// CreateThreshold handles POST /api/v1/thresholds.
func (h *HTTPHandler) CreateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t, err := h.thresholds.CreateThreshold(r.Context(), &service.CreateThresholdRequest{
		WorkspaceID:      req.WorkspaceID,
		EntityType:       req.EntityType,
		Category:         req.Category,
		Level1:           req.Level1,
		Level2:           req.Level2,
		Level3:           req.Level3,
		AutoApproveBelow: req.AutoApproveBelow,
		RequireAllLevels: req.RequireAllLevels,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// GetThreshold handles GET /api/v1/thresholds/get?workspace_id=&entity_type=&category=.
func (h *HTTPHandler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	entityType := r.URL.Query().Get("entity_type")
	if workspaceID == "" || entityType == "" {
		http.Error(w, "workspace_id and entity_type are required", http.StatusBadRequest)
		return
	}

	var category *string
	if c := r.URL.Query().Get("category"); c != "" {
		category = &c
	}

	t, err := h.thresholds.GetThreshold(r.Context(), workspaceID, entityType, category)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// UpdateThreshold handles POST /api/v1/thresholds/update.
func (h *HTTPHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID               string `json:"id"`
		Level1           *int64 `json:"level1,omitempty"`
		Level2           *int64 `json:"level2,omitempty"`
		Level3           *int64 `json:"level3,omitempty"`
		AutoApproveBelow *int64 `json:"auto_approve_below,omitempty"`
		RequireAllLevels *bool  `json:"require_all_levels,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	t, err := h.thresholds.UpdateThreshold(r.Context(), req.ID, &service.UpdateThresholdRequest{
		Level1:           req.Level1,
		Level2:           req.Level2,
		Level3:           req.Level3,
		AutoApproveBelow: req.AutoApproveBelow,
		RequireAllLevels: req.RequireAllLevels,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// GetOrCreateDefaultThreshold handles POST /api/v1/thresholds/default.
func (h *HTTPHandler) GetOrCreateDefaultThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		EntityType  string `json:"entity_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t, err := h.thresholds.GetOrCreateDefault(r.Context(), req.WorkspaceID, req.EntityType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// CloneThreshold handles POST /api/v1/thresholds/clone.
func (h *HTTPHandler) CloneThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID    string `json:"source_id"`
		NewCategory string `json:"new_category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t, err := h.thresholds.CloneThreshold(r.Context(), req.SourceID, req.NewCategory)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// ValidateWorkspaceThresholds handles GET /api/v1/thresholds/validate?workspace_id=.
func (h *HTTPHandler) ValidateWorkspaceThresholds(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}

	invalid, err := h.thresholds.ValidateWorkspaceThresholds(r.Context(), workspaceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"invalid_thresholds": invalid,
		"count":              len(invalid),
	})
}

// GetThresholdUsageStats handles GET /api/v1/thresholds/stats?workspace_id=&from=&to=.
func (h *HTTPHandler) GetThresholdUsageStats(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}

	from, to, err := parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := h.thresholds.GetThresholdUsageStats(r.Context(), workspaceID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ── Validation requests ───────────────────────────────────────────────────────

// CreateValidationRequest handles POST /api/v1/validations.
func (h *HTTPHandler) CreateValidationRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string                 `json:"workspace_id"`
		EntityType  string                 `json:"entity_type"`
		EntityID    string                 `json:"entity_id"`
		Snapshot    map[string]interface{} `json:"snapshot"`
		Amount      *int64                 `json:"amount,omitempty"`
		Reason      *string                `json:"reason,omitempty"`
		Priority    int                    `json:"priority"`
		Tags        []string               `json:"tags,omitempty"`
		ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.workflow.CreateValidationRequest(r.Context(), &service.CreateValidationRequestInput{
		WorkspaceID: req.WorkspaceID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Snapshot:    req.Snapshot,
		Amount:      req.Amount,
		Reason:      req.Reason,
		Priority:    req.Priority,
		Tags:        req.Tags,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// GetValidationRequest handles GET /api/v1/validations/get?id=.
func (h *HTTPHandler) GetValidationRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	req, err := h.workflow.GetValidationRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ProcessValidation handles POST /api/v1/validations/process.
func (h *HTTPHandler) ProcessValidation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string  `json:"request_id"`
		ValidatedBy string  `json:"validated_by"`
		Decision    string  `json:"decision"`
		Comment     *string `json:"comment,omitempty"`
		Geolocation *struct {
			Latitude  float64  `json:"latitude"`
			Longitude float64  `json:"longitude"`
			Accuracy  *float64 `json:"accuracy,omitempty"`
		} `json:"geolocation,omitempty"`
		Signature *string `json:"signature,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	input := &service.ProcessValidationInput{
		RequestID:   req.RequestID,
		ValidatedBy: req.ValidatedBy,
		Decision:    req.Decision,
		Comment:     req.Comment,
		Signature:   req.Signature,
	}
	if req.Geolocation != nil {
		input.Geolocation = &service.GeolocationInput{
			Latitude:  req.Geolocation.Latitude,
			Longitude: req.Geolocation.Longitude,
			Accuracy:  req.Geolocation.Accuracy,
		}
	}

	updated, err := h.workflow.ProcessValidation(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// GetPendingValidations handles GET /api/v1/validations/pending?workspace_id=&level=.
func (h *HTTPHandler) GetPendingValidations(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	level := r.URL.Query().Get("level")
	if workspaceID == "" || level == "" {
		http.Error(w, "workspace_id and level are required", http.StatusBadRequest)
		return
	}

	pending, err := h.workflow.GetPendingValidations(r.Context(), workspaceID, repository.Level(level))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": pending,
		"count":    len(pending),
	})
}

// GetValidationHistory handles GET /api/v1/validations/history?workspace_id=&entity_type=&entity_id=.
func (h *HTTPHandler) GetValidationHistory(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")

	history, err := h.workflow.GetValidationHistory(r.Context(), workspaceID, entityType, entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": history,
		"count":    len(history),
	})
}

// GetValidatorStats handles GET /api/v1/validations/validator-stats?workspace_id=&validator_id=&from=&to=.
func (h *HTTPHandler) GetValidatorStats(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	validatorID := r.URL.Query().Get("validator_id")
	if workspaceID == "" || validatorID == "" {
		http.Error(w, "workspace_id and validator_id are required", http.StatusBadRequest)
		return
	}

	from, to, err := parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := h.workflow.GetValidatorStats(r.Context(), workspaceID, validatorID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ── helpers ───────────────────────────────────────────────────────────────────

// parsePeriod reads from/to query params (RFC 3339), defaulting to the
// trailing 30 days.
func parsePeriod(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.InvalidInput("from", "expected RFC 3339 timestamp")
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.InvalidInput("to", "expected RFC 3339 timestamp")
		}
		to = parsed
	}
	return from, to, nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}
