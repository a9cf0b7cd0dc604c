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

// PostgresStudyRepository implements the StudyRepository interface.
//
// The data-version ledger is stored as a JSONB array on the study row.
// Appending is done with JSONB concatenation so the ledger stays
// append-only at the storage level too.
type PostgresStudyRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewStudyRepository creates a new study repository
func NewStudyRepository(config *RepositoryConfig) repositories.StudyRepository {
	return &PostgresStudyRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const studyColumns = "id, name, created_by, last_modified, deleted, current_data_version, data_versions, description, type"

func scanStudy(row interface{ Scan(dest ...interface{}) error }) (*models.Study, error) {
	var study models.Study
	var versionsJSON []byte
	err := row.Scan(
		&study.ID,
		&study.Name,
		&study.CreatedBy,
		&study.LastModified,
		&study.Deleted,
		&study.CurrentDataVersion,
		&versionsJSON,
		&study.Description,
		&study.Type,
	)
	if err != nil {
		return nil, err
	}
	if len(versionsJSON) > 0 {
		if err := json.Unmarshal(versionsJSON, &study.DataVersions); err != nil {
			return nil, fmt.Errorf("decode data versions: %w", err)
		}
	}
	return &study, nil
}

// Create inserts a new study
func (r *PostgresStudyRepository) Create(ctx context.Context, study *models.Study) error {
	versionsJSON, err := json.Marshal(study.DataVersions)
	if err != nil {
		return fmt.Errorf("encode data versions: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, created_by, last_modified, current_data_version, data_versions, description, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.tables.Studies)

	exec := GetExecutor(ctx, r.pool)
	_, err = exec.Exec(ctx, query,
		study.ID,
		study.Name,
		study.CreatedBy,
		study.LastModified,
		study.CurrentDataVersion,
		versionsJSON,
		study.Description,
		study.Type,
	)
	if err != nil {
		if IsPgDuplicateError(err) {
			return &domain.ValidationError{Message: fmt.Sprintf("study name '%s' already exists", study.Name)}
		}
		return fmt.Errorf("create study: %w", err)
	}

	return nil
}

// GetByID retrieves a non-deleted study by ID
func (r *PostgresStudyRepository) GetByID(ctx context.Context, id string) (*models.Study, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1 AND deleted IS NULL
	`, studyColumns, r.tables.Studies)

	exec := GetExecutor(ctx, r.pool)
	study, err := scanStudy(exec.QueryRow(ctx, query, id))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("study %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get study: %w", err)
	}

	return study, nil
}

// List retrieves all non-deleted studies, ordered by name
func (r *PostgresStudyRepository) List(ctx context.Context) ([]models.Study, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE deleted IS NULL
		ORDER BY name
	`, studyColumns, r.tables.Studies)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	studies := []models.Study{}
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan study: %w", err)
		}
		studies = append(studies, *study)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate studies: %w", err)
	}

	return studies, nil
}

// UpdateDescription replaces the description and bumps last_modified
func (r *PostgresStudyRepository) UpdateDescription(ctx context.Context, id, description string) (*models.Study, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET description = $2, last_modified = now()
		WHERE id = $1 AND deleted IS NULL
		RETURNING %s
	`, r.tables.Studies, studyColumns)

	exec := GetExecutor(ctx, r.pool)
	study, err := scanStudy(exec.QueryRow(ctx, query, id, description))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("study %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("update study description: %w", err)
	}

	return study, nil
}

// SoftDelete marks the study deleted
func (r *PostgresStudyRepository) SoftDelete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now(), last_modified = now()
		WHERE id = $1 AND deleted IS NULL
	`, r.tables.Studies)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("study %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// AppendDataVersion appends one entry to the ledger and moves the pointer.
// The entry is concatenated onto the JSONB array so existing entries are
// never rewritten. The pointer is computed from the row's own ledger
// length, so a concurrent append cannot leave it on a stale entry; SET
// expressions see the pre-update row, making the old length the index of
// the appended entry.
func (r *PostgresStudyRepository) AppendDataVersion(ctx context.Context, studyID string, version models.DataVersion) (*models.Study, error) {
	versionJSON, err := json.Marshal(version)
	if err != nil {
		return nil, fmt.Errorf("encode data version: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET data_versions = data_versions || $2::jsonb,
		    current_data_version = jsonb_array_length(data_versions),
		    last_modified = now()
		WHERE id = $1 AND deleted IS NULL
		RETURNING %s
	`, r.tables.Studies, studyColumns)

	exec := GetExecutor(ctx, r.pool)
	study, err := scanStudy(exec.QueryRow(ctx, query, studyID, versionJSON))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("study %s: %w", studyID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("append data version: %w", err)
	}

	return study, nil
}

// SetCurrentDataVersion moves the current pointer to the given ledger index
func (r *PostgresStudyRepository) SetCurrentDataVersion(ctx context.Context, studyID string, index int) (*models.Study, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET current_data_version = $2, last_modified = now()
		WHERE id = $1 AND deleted IS NULL
		RETURNING %s
	`, r.tables.Studies, studyColumns)

	exec := GetExecutor(ctx, r.pool)
	study, err := scanStudy(exec.QueryRow(ctx, query, studyID, index))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("study %s: %w", studyID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("set current data version: %w", err)
	}

	return study, nil
}
