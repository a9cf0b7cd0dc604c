package handler

import (
	"log/slog"
	"net/http"

	"cohort/internal/domain/services"
	"cohort/internal/httputil"
)

// StudyHandler handles study and data-version HTTP requests
type StudyHandler struct {
	studyService services.StudyService
	logger       *slog.Logger
}

// NewStudyHandler creates a new study handler
func NewStudyHandler(studyService services.StudyService, logger *slog.Logger) *StudyHandler {
	return &StudyHandler{
		studyService: studyService,
		logger:       logger,
	}
}

// HealthCheck responds to liveness probes
// GET /health
func (h *StudyHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListStudies lists the studies visible to the caller
// GET /api/studies
func (h *StudyHandler) ListStudies(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	studies, err := h.studyService.ListStudies(r.Context(), user)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, studies)
}

// CreateStudy creates a new study
// POST /api/studies
func (h *StudyHandler) CreateStudy(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.CreateStudyRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	study, err := h.studyService.CreateStudy(r.Context(), user, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, study)
}

// GetStudy retrieves one study
// GET /api/studies/{id}
func (h *StudyHandler) GetStudy(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	study, err := h.studyService.GetStudy(r.Context(), user, r.PathValue("id"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, study)
}

// UpdateStudy edits study attributes
// PATCH /api/studies/{id}
func (h *StudyHandler) UpdateStudy(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.EditStudyRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	study, err := h.studyService.EditStudy(r.Context(), user, r.PathValue("id"), &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, study)
}

// DeleteStudy soft-deletes a study with its projects and roles
// DELETE /api/studies/{id}
func (h *StudyHandler) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.studyService.DeleteStudy(r.Context(), user, r.PathValue("id")); err != nil {
		handleError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateDataVersion freezes the live data into a new version
// POST /api/studies/{id}/versions
func (h *StudyHandler) CreateDataVersion(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.CreateDataVersionRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.StudyID = r.PathValue("id")

	version, err := h.studyService.CreateDataVersion(r.Context(), user, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}
	if version == nil {
		// Nothing live to freeze; not an error, but nothing created.
		httputil.RespondJSON(w, http.StatusOK, map[string]any{"created": false})
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, version)
}

// SetDataVersion moves the current-version pointer
// PUT /api/studies/{id}/versions/current
func (h *StudyHandler) SetDataVersion(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		VersionID string `json:"versionId"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	study, err := h.studyService.SetDataVersion(r.Context(), user, r.PathValue("id"), req.VersionID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, study)
}
