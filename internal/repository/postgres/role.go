package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// PostgresRoleRepository implements the RoleRepository interface.
//
// Permission entries and user ids are stored as text arrays on the role
// row; entries are parsed back into structured permissions at the domain
// layer, never here.
type PostgresRoleRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(config *RepositoryConfig) repositories.RoleRepository {
	return &PostgresRoleRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const roleColumns = "id, study_id, project_id, name, permissions, users, created_by, deleted"

func scanRole(row pgx.Row) (*models.Role, error) {
	var role models.Role
	err := row.Scan(
		&role.ID,
		&role.StudyID,
		&role.ProjectID,
		&role.Name,
		&role.Permissions,
		&role.Users,
		&role.CreatedBy,
		&role.Deleted,
	)
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// Create inserts a new role
func (r *PostgresRoleRepository) Create(ctx context.Context, role *models.Role) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, study_id, project_id, name, permissions, users, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	_, err := exec.Exec(ctx, query,
		role.ID,
		role.StudyID,
		role.ProjectID,
		role.Name,
		role.Permissions,
		role.Users,
		role.CreatedBy,
	)
	if err != nil {
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("study %s: %w", role.StudyID, domain.ErrNotFound)
		}
		return fmt.Errorf("create role: %w", err)
	}

	return nil
}

// GetByID retrieves a non-deleted role by ID
func (r *PostgresRoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1 AND deleted IS NULL
	`, roleColumns, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	role, err := scanRole(exec.QueryRow(ctx, query, id))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("role %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get role: %w", err)
	}

	return role, nil
}

// FindForUser retrieves the non-deleted roles of a study that include the
// user. A nil projectID restricts to study-scoped roles.
func (r *PostgresRoleRepository) FindForUser(ctx context.Context, userID, studyID string, projectID *string) ([]models.Role, error) {
	var scopeCond string
	args := []interface{}{userID, studyID}
	if projectID == nil {
		scopeCond = "project_id IS NULL"
	} else {
		scopeCond = "project_id = $3"
		args = append(args, *projectID)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE $1 = ANY(users) AND study_id = $2 AND %s AND deleted IS NULL
	`, roleColumns, r.tables.Roles, scopeCond)

	return r.queryRoles(ctx, query, args...)
}

// ListStudyIDsForUser lists the distinct studies in which the user holds
// at least one non-deleted role
func (r *PostgresRoleRepository) ListStudyIDsForUser(ctx context.Context, userID string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT study_id
		FROM %s
		WHERE $1 = ANY(users) AND deleted IS NULL
		ORDER BY study_id
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list studies for user: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan study id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate study ids: %w", err)
	}

	return ids, nil
}

// ListByStudy retrieves the study-scoped roles of a study
func (r *PostgresRoleRepository) ListByStudy(ctx context.Context, studyID string) ([]models.Role, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE study_id = $1 AND project_id IS NULL AND deleted IS NULL
		ORDER BY name
	`, roleColumns, r.tables.Roles)

	return r.queryRoles(ctx, query, studyID)
}

// ListByProject retrieves the roles scoped to one project
func (r *PostgresRoleRepository) ListByProject(ctx context.Context, projectID string) ([]models.Role, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE project_id = $1 AND deleted IS NULL
		ORDER BY name
	`, roleColumns, r.tables.Roles)

	return r.queryRoles(ctx, query, projectID)
}

// Update replaces name, permissions and users of a role
func (r *PostgresRoleRepository) Update(ctx context.Context, role *models.Role) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET name = $2, permissions = $3, users = $4
		WHERE id = $1 AND deleted IS NULL
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query,
		role.ID,
		role.Name,
		role.Permissions,
		role.Users,
	)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("role %s: %w", role.ID, domain.ErrNotFound)
	}

	return nil
}

// SoftDelete marks one role deleted
func (r *PostgresRoleRepository) SoftDelete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now()
		WHERE id = $1 AND deleted IS NULL
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("role %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// SoftDeleteByStudy marks every non-deleted role of the study deleted,
// project-scoped ones included
func (r *PostgresRoleRepository) SoftDeleteByStudy(ctx context.Context, studyID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now()
		WHERE study_id = $1 AND deleted IS NULL
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	if _, err := exec.Exec(ctx, query, studyID); err != nil {
		return fmt.Errorf("delete roles of study: %w", err)
	}

	return nil
}

// SoftDeleteByProject marks every non-deleted role of one project deleted
func (r *PostgresRoleRepository) SoftDeleteByProject(ctx context.Context, projectID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted = now()
		WHERE project_id = $1 AND deleted IS NULL
	`, r.tables.Roles)

	exec := GetExecutor(ctx, r.pool)
	if _, err := exec.Exec(ctx, query, projectID); err != nil {
		return fmt.Errorf("delete roles of project: %w", err)
	}

	return nil
}

func (r *PostgresRoleRepository) queryRoles(ctx context.Context, query string, args ...interface{}) ([]models.Role, error) {
	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	roles := []models.Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, *role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	return roles, nil
}
