package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// PostgresProjectRepository implements the ProjectRepository interface
type PostgresProjectRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(config *RepositoryConfig) repositories.ProjectRepository {
	return &PostgresProjectRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const projectColumns = "id, study_id, created_by, name, approved_fields, approved_files, last_modified, deleted"

func scanProject(row interface{ Scan(dest ...interface{}) error }, withMapping bool) (*models.Project, error) {
	var project models.Project
	var mappingJSON []byte

	dest := []interface{}{
		&project.ID,
		&project.StudyID,
		&project.CreatedBy,
		&project.Name,
		&project.ApprovedFields,
		&project.ApprovedFiles,
		&project.LastModified,
		&project.Deleted,
	}
	if withMapping {
		dest = append(dest, &mappingJSON)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if withMapping && len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &project.PatientMapping); err != nil {
			return nil, fmt.Errorf("decode patient mapping: %w", err)
		}
	}
	return &project, nil
}

// Create inserts a new project
func (r *PostgresProjectRepository) Create(ctx context.Context, project *models.Project) error {
	mappingJSON, err := json.Marshal(project.PatientMapping)
	if err != nil {
		return fmt.Errorf("encode patient mapping: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, study_id, created_by, name, patient_mapping, approved_fields, approved_files, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	_, err = exec.Exec(ctx, query,
		project.ID,
		project.StudyID,
		project.CreatedBy,
		project.Name,
		mappingJSON,
		project.ApprovedFields,
		project.ApprovedFiles,
		project.LastModified,
	)
	if err != nil {
		if IsPgDuplicateError(err) {
			return &domain.ValidationError{Message: fmt.Sprintf("project name '%s' already exists in this study", project.Name)}
		}
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("study %s: %w", project.StudyID, domain.ErrNotFound)
		}
		return fmt.Errorf("create project: %w", err)
	}

	return nil
}

// GetByID retrieves a non-deleted project by ID. The patient mapping is
// only fetched when withMapping is set.
func (r *PostgresProjectRepository) GetByID(ctx context.Context, id string, withMapping bool) (*models.Project, error) {
	columns := projectColumns
	if withMapping {
		columns += ", patient_mapping"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1 AND deleted IS NULL
	`, columns, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	project, err := scanProject(exec.QueryRow(ctx, query, id), withMapping)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("project %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}

	return project, nil
}

// ListByStudy retrieves all non-deleted projects of a study, ordered by name
func (r *PostgresProjectRepository) ListByStudy(ctx context.Context, studyID string) ([]models.Project, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE study_id = $1 AND deleted IS NULL
		ORDER BY name
	`, projectColumns, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, studyID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		project, err := scanProject(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

// SoftDelete marks one project deleted
func (r *PostgresProjectRepository) SoftDelete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now(), last_modified = now()
		WHERE id = $1 AND deleted IS NULL
	`, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// SoftDeleteByStudy marks every non-deleted project of a study deleted.
// Zero affected rows is fine here; a study without projects is valid.
func (r *PostgresProjectRepository) SoftDeleteByStudy(ctx context.Context, studyID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now(), last_modified = now()
		WHERE study_id = $1 AND deleted IS NULL
	`, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	if _, err := exec.Exec(ctx, query, studyID); err != nil {
		return fmt.Errorf("delete projects of study: %w", err)
	}

	return nil
}

// EditApprovedFields applies an add/remove diff to the approved field
// entry ids in a single statement, so concurrent edits cannot lose each
// other's additions. Removing a non-member id is a no-op.
func (r *PostgresProjectRepository) EditApprovedFields(ctx context.Context, projectID string, add, remove []string) (*models.Project, error) {
	if add == nil {
		add = []string{}
	}
	if remove == nil {
		remove = []string{}
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET approved_fields = ARRAY(
		        SELECT DISTINCT f
		        FROM unnest(approved_fields || $2::text[]) AS f
		        WHERE NOT (f = ANY($3::text[]))
		    ),
		    last_modified = now()
		WHERE id = $1 AND deleted IS NULL
		RETURNING %s
	`, r.tables.Projects, projectColumns)

	exec := GetExecutor(ctx, r.pool)
	project, err := scanProject(exec.QueryRow(ctx, query, projectID, add, remove), false)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("edit approved fields: %w", err)
	}

	return project, nil
}

// SetApprovedFields replaces the approved field entry ids wholesale
func (r *PostgresProjectRepository) SetApprovedFields(ctx context.Context, projectID string, fieldEntryIDs []string) error {
	if fieldEntryIDs == nil {
		fieldEntryIDs = []string{}
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET approved_fields = $2, last_modified = now()
		WHERE id = $1 AND deleted IS NULL
	`, r.tables.Projects)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, projectID, fieldEntryIDs)
	if err != nil {
		return fmt.Errorf("set approved fields: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}

	return nil
}

// SetApprovedFiles replaces the approved file ids
func (r *PostgresProjectRepository) SetApprovedFiles(ctx context.Context, projectID string, fileIDs []string) (*models.Project, error) {
	if fileIDs == nil {
		fileIDs = []string{}
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET approved_files = $2, last_modified = now()
		WHERE id = $1 AND deleted IS NULL
		RETURNING %s
	`, r.tables.Projects, projectColumns)

	exec := GetExecutor(ctx, r.pool)
	project, err := scanProject(exec.QueryRow(ctx, query, projectID, fileIDs), false)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("set approved files: %w", err)
	}

	return project, nil
}
