package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain/repositories"
)

// RepositoryConfig holds configuration for repository implementations
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
	Logger *slog.Logger
}

// TableNames holds dynamically prefixed table names
type TableNames struct {
	Studies          string
	Projects         string
	Roles            string
	FieldEntries     string
	DataRecords      string
	Standardizations string
	ExportJobs       string
}

// NewTableNames creates table names with the given prefix
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Studies:          prefix + "studies",
		Projects:         prefix + "projects",
		Roles:            prefix + "roles",
		FieldEntries:     prefix + "field_entries",
		DataRecords:      prefix + "data_records",
		Standardizations: prefix + "standardizations",
		ExportJobs:       prefix + "export_jobs",
	}
}

// CreateConnectionPool creates a new pgx connection pool and verifies the
// connection.
//
// Dynamic table prefixes (dev_, test_, prod_) are interpolated into the
// SQL before it reaches the database, so each environment gets its own
// statements and prepared-statement caching stays safe.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	// Configure pool size
	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// GetExecutor returns the appropriate query executor for the context:
// the transaction when one is present, the pool otherwise. This is what
// lets repositories participate in the cascade-delete transactions
// without knowing about them.
func GetExecutor(ctx context.Context, pool *pgxpool.Pool) repositories.DBTX {
	if tx := repositories.GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}
