package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// PostgresRecordRepository implements the RecordRepository interface.
//
// Find honours the RecordQuery ordering contract in SQL: rows come back
// ordered by the position of their version id in the query's version
// selector, then by uploaded_at descending, so the caller's first-non-nil
// merge never depends on storage iteration order.
type PostgresRecordRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewRecordRepository creates a new data record repository
func NewRecordRepository(config *RepositoryConfig) repositories.RecordRepository {
	return &PostgresRecordRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const recordColumns = "id, study_id, subject_id, visit_id, version_id, field_id, value, uploaded_at, metadata"

func scanRecord(row pgx.Row) (*models.DataRecord, error) {
	var record models.DataRecord
	var metadataJSON []byte
	err := row.Scan(
		&record.ID,
		&record.StudyID,
		&record.SubjectID,
		&record.VisitID,
		&record.VersionID,
		&record.FieldID,
		&record.Value,
		&record.UploadedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode record metadata: %w", err)
		}
	}
	return &record, nil
}

func (r *PostgresRecordRepository) compileQuery(q repositories.RecordQuery) (*condBuilder, error) {
	var b condBuilder
	b.add("study_id = $%d", q.StudyID)
	b.addVersionMembership("version_id", q.DataVersions)
	b.addPatternMatch("subject_id", q.SubjectPatterns)
	b.addPatternMatch("visit_id", q.VisitPatterns)
	b.addPatternMatch("field_id", q.FieldPatterns)
	if q.FieldIDs != nil {
		b.add("field_id = ANY($%d::text[])", q.FieldIDs)
	}
	if err := b.addMetadataMatch("metadata", q.MetadataFilter); err != nil {
		return nil, err
	}
	if q.ValueNotNull {
		b.conds = append(b.conds, "value IS NOT NULL")
	}
	return &b, nil
}

// Find executes a declarative record lookup
func (r *PostgresRecordRepository) Find(ctx context.Context, q repositories.RecordQuery) ([]models.DataRecord, error) {
	b, err := r.compileQuery(q)
	if err != nil {
		return nil, err
	}

	// Order by the selector position of the record's version so the most
	// authoritative version comes first, newest upload first within it.
	b.args = append(b.args, versionKeys(q.DataVersions))
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY array_position($%d::text[], COALESCE(version_id, '')), uploaded_at DESC
	`, recordColumns, r.tables.DataRecords, b.where(), len(b.args))

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query data records: %w", err)
	}
	defer rows.Close()

	records := []models.DataRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data records: %w", err)
	}

	return records, nil
}

// BulkUpsertLive writes a batch of live records. The conflict target is
// the partial unique index on (study_id, subject_id, visit_id, field_id)
// WHERE version_id IS NULL, so frozen records are never touched.
func (r *PostgresRecordRepository) BulkUpsertLive(ctx context.Context, records []models.DataRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, study_id, subject_id, visit_id, version_id, field_id, value, uploaded_at, metadata)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)
		ON CONFLICT (study_id, subject_id, visit_id, field_id) WHERE version_id IS NULL
		DO UPDATE SET
			id = EXCLUDED.id,
			value = EXCLUDED.value,
			uploaded_at = EXCLUDED.uploaded_at,
			metadata = EXCLUDED.metadata
	`, r.tables.DataRecords)

	batch := &pgx.Batch{}
	for _, record := range records {
		metadataJSON, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("encode record metadata: %w", err)
		}
		batch.Queue(query,
			record.ID,
			record.StudyID,
			record.SubjectID,
			record.VisitID,
			record.FieldID,
			record.Value,
			record.UploadedAt,
			metadataJSON,
		)
	}

	exec := GetExecutor(ctx, r.pool)
	results := exec.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert data record: %w", err)
		}
	}

	return nil
}

// DistinctSubjectIDs lists the distinct subject ids matching the query
func (r *PostgresRecordRepository) DistinctSubjectIDs(ctx context.Context, q repositories.RecordQuery) ([]string, error) {
	return r.distinctColumn(ctx, "subject_id", q)
}

// DistinctVisitIDs lists the distinct visit ids matching the query
func (r *PostgresRecordRepository) DistinctVisitIDs(ctx context.Context, q repositories.RecordQuery) ([]string, error) {
	return r.distinctColumn(ctx, "visit_id", q)
}

// CountSubjectVisits counts distinct (subject, visit) pairs matching the
// query
func (r *PostgresRecordRepository) CountSubjectVisits(ctx context.Context, q repositories.RecordQuery) (int, error) {
	b, err := r.compileQuery(q)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT (subject_id, visit_id))
		FROM %s
		%s
	`, r.tables.DataRecords, b.where())

	exec := GetExecutor(ctx, r.pool)
	var count int
	if err := exec.QueryRow(ctx, query, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count subject visits: %w", err)
	}

	return count, nil
}

// AttachVersion stamps every live record of the study with the version id
func (r *PostgresRecordRepository) AttachVersion(ctx context.Context, studyID, versionID string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET version_id = $2
		WHERE study_id = $1 AND version_id IS NULL
	`, r.tables.DataRecords)

	exec := GetExecutor(ctx, r.pool)
	result, err := exec.Exec(ctx, query, studyID, versionID)
	if err != nil {
		return 0, fmt.Errorf("attach version to records: %w", err)
	}

	return result.RowsAffected(), nil
}

func (r *PostgresRecordRepository) distinctColumn(ctx context.Context, column string, q repositories.RecordQuery) ([]string, error) {
	b, err := r.compileQuery(q)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT %s
		FROM %s
		%s
		ORDER BY %s
	`, column, r.tables.DataRecords, b.where(), column)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct %s: %w", column, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", column, err)
		}
		values = append(values, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", column, err)
	}

	return values, nil
}
