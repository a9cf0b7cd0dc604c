package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// PostgresFieldRepository implements the FieldRepository interface.
//
// The declarative FieldQuery stages map onto SQL directly: version
// membership and the permission predicate become WHERE conditions,
// latest-per-fieldId becomes DISTINCT ON (field_id) ordered by date_added
// descending.
type PostgresFieldRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewFieldRepository creates a new field repository
func NewFieldRepository(config *RepositoryConfig) repositories.FieldRepository {
	return &PostgresFieldRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const fieldColumns = "id, study_id, field_id, field_name, table_name, data_type, possible_values, unit, comments, data_version, metadata, date_added, date_deleted"

func scanFieldEntry(row pgx.Row) (*models.FieldEntry, error) {
	var entry models.FieldEntry
	var valuesJSON, metadataJSON []byte
	err := row.Scan(
		&entry.ID,
		&entry.StudyID,
		&entry.FieldID,
		&entry.FieldName,
		&entry.TableName,
		&entry.DataType,
		&valuesJSON,
		&entry.Unit,
		&entry.Comments,
		&entry.DataVersion,
		&metadataJSON,
		&entry.DateAdded,
		&entry.DateDeleted,
	)
	if err != nil {
		return nil, err
	}
	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &entry.PossibleValues); err != nil {
			return nil, fmt.Errorf("decode possible values: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode field metadata: %w", err)
		}
	}
	return &entry, nil
}

// Query executes a declarative dictionary lookup
func (r *PostgresFieldRepository) Query(ctx context.Context, q repositories.FieldQuery) ([]models.FieldEntry, error) {
	var b condBuilder
	b.add("study_id = $%d", q.StudyID)
	b.addVersionMembership("data_version", q.DataVersions)
	if !q.IncludeDeleted {
		b.conds = append(b.conds, "date_deleted IS NULL")
	}
	b.addPatternMatch("field_id", q.FieldPatterns)
	if err := b.addMetadataMatch("metadata", q.MetadataFilter); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.LatestPerFieldID {
		sb.WriteString("DISTINCT ON (field_id) ")
	}
	sb.WriteString(fieldColumns)
	fmt.Fprintf(&sb, " FROM %s %s", r.tables.FieldEntries, b.where())
	switch {
	case q.LatestPerFieldID:
		// DISTINCT ON keeps the first row per field_id, so the greatest
		// date_added must sort first within each group. id breaks equal
		// timestamps so the pick is deterministic.
		sb.WriteString(" ORDER BY field_id, date_added DESC, id DESC")
	case q.SortByFieldID:
		sb.WriteString(" ORDER BY field_id, date_added DESC, id DESC")
	}

	return r.queryFields(ctx, sb.String(), b.args...)
}

// GetByIDs retrieves entries by their per-version entry ids
func (r *PostgresFieldRepository) GetByIDs(ctx context.Context, ids []string) ([]models.FieldEntry, error) {
	if len(ids) == 0 {
		return []models.FieldEntry{}, nil
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = ANY($1::text[])
	`, fieldColumns, r.tables.FieldEntries)

	return r.queryFields(ctx, query, ids)
}

// LatestByFieldID retrieves the most recently added entry for a semantic
// fieldId across all versions, tombstones included
func (r *PostgresFieldRepository) LatestByFieldID(ctx context.Context, studyID, fieldID string) (*models.FieldEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE study_id = $1 AND field_id = $2
		ORDER BY date_added DESC, id DESC
		LIMIT 1
	`, fieldColumns, r.tables.FieldEntries)

	exec := GetExecutor(ctx, r.pool)
	entry, err := scanFieldEntry(exec.QueryRow(ctx, query, studyID, fieldID))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("field %s: %w", fieldID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get latest field entry: %w", err)
	}

	return entry, nil
}

// BulkUpsertLive writes a batch of live entries. The conflict target is
// the partial unique index on (study_id, field_id) WHERE data_version IS
// NULL, so frozen entries are never touched.
func (r *PostgresFieldRepository) BulkUpsertLive(ctx context.Context, entries []models.FieldEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, study_id, field_id, field_name, table_name, data_type, possible_values, unit, comments, data_version, metadata, date_added, date_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $11, $12)
		ON CONFLICT (study_id, field_id) WHERE data_version IS NULL
		DO UPDATE SET
			id = EXCLUDED.id,
			field_name = EXCLUDED.field_name,
			table_name = EXCLUDED.table_name,
			data_type = EXCLUDED.data_type,
			possible_values = EXCLUDED.possible_values,
			unit = EXCLUDED.unit,
			comments = EXCLUDED.comments,
			metadata = EXCLUDED.metadata,
			date_added = EXCLUDED.date_added,
			date_deleted = EXCLUDED.date_deleted
	`, r.tables.FieldEntries)

	batch := &pgx.Batch{}
	for _, entry := range entries {
		valuesJSON, err := json.Marshal(entry.PossibleValues)
		if err != nil {
			return fmt.Errorf("encode possible values: %w", err)
		}
		metadataJSON, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode field metadata: %w", err)
		}
		batch.Queue(query,
			entry.ID,
			entry.StudyID,
			entry.FieldID,
			entry.FieldName,
			entry.TableName,
			entry.DataType,
			valuesJSON,
			entry.Unit,
			entry.Comments,
			metadataJSON,
			entry.DateAdded,
			entry.DateDeleted,
		)
	}

	exec := GetExecutor(ctx, r.pool)
	results := exec.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert field entry: %w", err)
		}
	}

	return nil
}

// DistinctFieldIDs lists every fieldId ever defined in the study
func (r *PostgresFieldRepository) DistinctFieldIDs(ctx context.Context, studyID string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT field_id
		FROM %s
		WHERE study_id = $1
		ORDER BY field_id
	`, r.tables.FieldEntries)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, studyID)
	if err != nil {
		return nil, fmt.Errorf("list field ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan field id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field ids: %w", err)
	}

	return ids, nil
}

// AttachVersion stamps every live entry of the study with the version id
func (r *PostgresFieldRepository) AttachVersion(ctx context.Context, studyID, versionID string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET data_version = $2
		WHERE study_id = $1 AND data_version IS NULL
	`, r.tables.FieldEntries)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, studyID, versionID)
	if err != nil {
		return 0, fmt.Errorf("attach version to fields: %w", err)
	}

	return result.RowsAffected(), nil
}

func (r *PostgresFieldRepository) queryFields(ctx context.Context, query string, args ...interface{}) ([]models.FieldEntry, error) {
	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query field entries: %w", err)
	}
	defer rows.Close()

	entries := []models.FieldEntry{}
	for rows.Next() {
		entry, err := scanFieldEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan field entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field entries: %w", err)
	}

	return entries, nil
}
