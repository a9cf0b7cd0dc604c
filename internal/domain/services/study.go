package services

import (
	"context"

	"cohort/internal/domain/models"
)

// CreateStudyRequest describes a new study.
type CreateStudyRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        models.StudyType `json:"type"`
}

// EditStudyRequest carries the editable study attributes.
type EditStudyRequest struct {
	Description *string `json:"description,omitempty"`
}

// CreateProjectRequest describes a new project within a study.
type CreateProjectRequest struct {
	StudyID        string   `json:"study_id"`
	Name           string   `json:"name"`
	ApprovedFields []string `json:"approved_fields,omitempty"`
}

// EditApprovedFieldsRequest is an add/remove diff over a project's
// approved field entry ids.
type EditApprovedFieldsRequest struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// CreateDataVersionRequest names a new frozen snapshot.
type CreateDataVersionRequest struct {
	StudyID string  `json:"study_id"`
	Version string  `json:"version"` // dotted numeric, e.g. "2.1"
	Tag     *string `json:"tag,omitempty"`
}

// StudyService handles study and project lifecycle.
type StudyService interface {
	// CreateStudy creates a study. Admin only.
	CreateStudy(ctx context.Context, user *models.User, req *CreateStudyRequest) (*models.Study, error)

	// GetStudy retrieves a study the user can see.
	GetStudy(ctx context.Context, user *models.User, studyID string) (*models.Study, error)

	// ListStudies lists every study for admins, or the studies in which
	// the user holds at least one role.
	ListStudies(ctx context.Context, user *models.User) ([]models.Study, error)

	// EditStudy updates study attributes. Requires study management.
	EditStudy(ctx context.Context, user *models.User, studyID string, req *EditStudyRequest) (*models.Study, error)

	// DeleteStudy soft-deletes the study and cascades to its projects and
	// roles in one transaction. Admin only.
	DeleteStudy(ctx context.Context, user *models.User, studyID string) error

	// CreateProject creates a project, generating its pseudonymised
	// patient mapping from the study's current subjects.
	CreateProject(ctx context.Context, user *models.User, req *CreateProjectRequest) (*models.Project, error)

	// GetProject retrieves a project the user can see. The patient
	// mapping is never included; see GetPatientMapping.
	GetProject(ctx context.Context, user *models.User, projectID string) (*models.Project, error)

	// ListProjects lists the projects of a study.
	ListProjects(ctx context.Context, user *models.User, studyID string) ([]models.Project, error)

	// DeleteProject soft-deletes the project and its roles in one
	// transaction. Requires study management.
	DeleteProject(ctx context.Context, user *models.User, projectID string) error

	// EditApprovedFields applies an approved-field diff to a project.
	// Additions must reference field entries visible in the study;
	// removals are unconditional.
	EditApprovedFields(ctx context.Context, user *models.User, projectID string, req *EditApprovedFieldsRequest) (*models.Project, error)

	// EditApprovedFiles replaces a project's approved file ids.
	EditApprovedFiles(ctx context.Context, user *models.User, projectID string, fileIDs []string) (*models.Project, error)

	// GetPatientMapping returns the project's real-to-pseudonym subject
	// mapping. Study-level readers only; project-level access is never
	// sufficient.
	GetPatientMapping(ctx context.Context, user *models.User, projectID string) (map[string]string, error)

	// CreateDataVersion freezes the current live data and dictionary into
	// a new version and advances the study's pointer. Returns nil when
	// there was nothing to freeze.
	CreateDataVersion(ctx context.Context, user *models.User, req *CreateDataVersionRequest) (*models.DataVersion, error)

	// SetDataVersion moves the study's current-version pointer to the
	// version with the given id and remaps every project's approved
	// fields onto the newly visible dictionary. Admin only.
	SetDataVersion(ctx context.Context, user *models.User, studyID, versionID string) (*models.Study, error)
}
