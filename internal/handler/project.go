package handler

import (
	"log/slog"
	"net/http"

	"cohort/internal/domain/services"
	"cohort/internal/httputil"
)

// ProjectHandler handles project HTTP requests
type ProjectHandler struct {
	studyService services.StudyService
	logger       *slog.Logger
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(studyService services.StudyService, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{
		studyService: studyService,
		logger:       logger,
	}
}

// CreateProject creates a project within a study
// POST /api/studies/{id}/projects
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.CreateProjectRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.StudyID = r.PathValue("id")

	project, err := h.studyService.CreateProject(r.Context(), user, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, project)
}

// ListProjects lists the projects of a study
// GET /api/studies/{id}/projects
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	projects, err := h.studyService.ListProjects(r.Context(), user, r.PathValue("id"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, projects)
}

// GetProject retrieves one project
// GET /api/projects/{id}
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	project, err := h.studyService.GetProject(r.Context(), user, r.PathValue("id"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, project)
}

// DeleteProject soft-deletes a project with its roles
// DELETE /api/projects/{id}
func (h *ProjectHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.studyService.DeleteProject(r.Context(), user, r.PathValue("id")); err != nil {
		handleError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EditApprovedFields applies an approved-field diff
// PATCH /api/projects/{id}/fields
func (h *ProjectHandler) EditApprovedFields(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.EditApprovedFieldsRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := h.studyService.EditApprovedFields(r.Context(), user, r.PathValue("id"), &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, project)
}

// EditApprovedFiles replaces the approved file ids
// PUT /api/projects/{id}/files
func (h *ProjectHandler) EditApprovedFiles(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		FileIDs []string `json:"fileIds"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := h.studyService.EditApprovedFiles(r.Context(), user, r.PathValue("id"), req.FileIDs)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, project)
}

// GetPatientMapping returns the real-to-pseudonym subject mapping
// GET /api/projects/{id}/patient-mapping
func (h *ProjectHandler) GetPatientMapping(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	mapping, err := h.studyService.GetPatientMapping(r.Context(), user, r.PathValue("id"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, mapping)
}
