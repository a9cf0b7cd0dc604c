package handler

import (
	"log/slog"
	"net/http"

	"cohort/internal/domain/services"
	"cohort/internal/httputil"
)

// FieldHandler handles field dictionary HTTP requests
type FieldHandler struct {
	fieldService services.FieldService
	logger       *slog.Logger
}

// NewFieldHandler creates a new field handler
func NewFieldHandler(fieldService services.FieldService, logger *slog.Logger) *FieldHandler {
	return &FieldHandler{
		fieldService: fieldService,
		logger:       logger,
	}
}

// ListFields returns the dictionary under the default version selector
// GET /api/studies/{id}/fields
func (h *FieldHandler) ListFields(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	fields, err := h.fieldService.FieldsOfStudy(r.Context(), user, r.PathValue("id"),
		optionalQuery(r, "projectId"), services.VersionSelector{})
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, fields)
}

// QueryFields returns the dictionary under an explicit version selector.
// The versionId body field is tri-state: absent (default), null (live) or
// a version id, which a query parameter cannot express.
// POST /api/studies/{id}/fields/query
func (h *FieldHandler) QueryFields(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ProjectID *string                 `json:"projectId,omitempty"`
		VersionID httputil.OptionalString `json:"versionId"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	selector := services.VersionSelector{
		Specified: req.VersionID.Present,
		ID:        req.VersionID.Value,
	}

	fields, err := h.fieldService.FieldsOfStudy(r.Context(), user, r.PathValue("id"), req.ProjectID, selector)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, fields)
}

// CreateFields writes a batch of field definitions with per-input results
// POST /api/studies/{id}/fields
func (h *FieldHandler) CreateFields(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Fields []services.FieldInput `json:"fields"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.fieldService.CreateFields(r.Context(), user, r.PathValue("id"), req.Fields)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, results)
}

// DeleteField tombstones one field definition
// DELETE /api/studies/{id}/fields/{fieldId}
func (h *FieldHandler) DeleteField(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	entry, err := h.fieldService.DeleteField(r.Context(), user, r.PathValue("id"), r.PathValue("fieldId"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, entry)
}
