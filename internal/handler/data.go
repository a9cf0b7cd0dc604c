package handler

import (
	"log/slog"
	"net/http"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/services"
	"cohort/internal/httputil"
)

// DataHandler handles data record HTTP requests
type DataHandler struct {
	dataService services.DataService
	logger      *slog.Logger
}

// NewDataHandler creates a new data handler
func NewDataHandler(dataService services.DataService, logger *slog.Logger) *DataHandler {
	return &DataHandler{
		dataService: dataService,
		logger:      logger,
	}
}

// dataQueryBody is the wire form of a data query; versionId is tri-state.
type dataQueryBody struct {
	ProjectID       *string                     `json:"projectId,omitempty"`
	VersionID       httputil.OptionalString     `json:"versionId"`
	SubjectPatterns []string                    `json:"subjectIds,omitempty"`
	VisitPatterns   []string                    `json:"visitIds,omitempty"`
	FieldPatterns   []string                    `json:"fieldIds,omitempty"`
	Metadata        []permission.MetadataFilter `json:"metadata,omitempty"`
	Format          string                      `json:"format,omitempty"`
}

// QueryData executes a permission-scoped data query
// POST /api/studies/{id}/data/query
func (h *DataHandler) QueryData(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body dataQueryBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := &services.DataQueryRequest{
		StudyID:   r.PathValue("id"),
		ProjectID: body.ProjectID,
		Version: services.VersionSelector{
			Specified: body.VersionID.Present,
			ID:        body.VersionID.Value,
		},
		SubjectPatterns: body.SubjectPatterns,
		VisitPatterns:   body.VisitPatterns,
		FieldPatterns:   body.FieldPatterns,
		Metadata:        body.Metadata,
		Format:          body.Format,
	}

	result, err := h.dataService.GetData(r.Context(), user, req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// UploadData writes a batch of observations with per-clip results
// POST /api/studies/{id}/data
func (h *DataHandler) UploadData(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Data []models.DataClip `json:"data"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.dataService.UploadData(r.Context(), user, r.PathValue("id"), req.Data)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, results)
}

// DeleteData tombstones every given (subject, visit, field) combination
// DELETE /api/studies/{id}/data
func (h *DataHandler) DeleteData(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		SubjectIDs []string `json:"subjectIds"`
		VisitIDs   []string `json:"visitIds"`
		FieldIDs   []string `json:"fieldIds"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.dataService.DeleteData(r.Context(), user, r.PathValue("id"), req.SubjectIDs, req.VisitIDs, req.FieldIDs)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, results)
}

// ListSubjects lists the distinct visible subject ids
// GET /api/studies/{id}/subjects
func (h *DataHandler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	subjects, err := h.dataService.ListSubjects(r.Context(), user, r.PathValue("id"), optionalQuery(r, "projectId"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, subjects)
}

// ListVisits lists the distinct visible visit ids
// GET /api/studies/{id}/visits
func (h *DataHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	visits, err := h.dataService.ListVisits(r.Context(), user, r.PathValue("id"), optionalQuery(r, "projectId"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, visits)
}

// CountSubjectVisits counts distinct (subject, visit) pairs
// GET /api/studies/{id}/subject-visits/count
func (h *DataHandler) CountSubjectVisits(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	count, err := h.dataService.CountSubjectVisits(r.Context(), user, r.PathValue("id"), optionalQuery(r, "projectId"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]int{"count": count})
}

// CreateStandardization registers an output rewrite template
// POST /api/studies/{id}/standardizations
func (h *DataHandler) CreateStandardization(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var std models.Standardization
	if err := httputil.ParseJSON(w, r, &std); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	std.StudyID = r.PathValue("id")

	created, err := h.dataService.CreateStandardization(r.Context(), user, &std)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, created)
}

// CreateExportJob queues an export
// POST /api/studies/{id}/export
func (h *DataHandler) CreateExportJob(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ProjectID *string `json:"projectId,omitempty"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.dataService.CreateExportJob(r.Context(), user, r.PathValue("id"), req.ProjectID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, job)
}

// ListExportJobs lists a study's export jobs
// GET /api/studies/{id}/export-jobs
func (h *DataHandler) ListExportJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	jobs, err := h.dataService.ListExportJobs(r.Context(), user, r.PathValue("id"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, jobs)
}
