package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"cohort/internal/config"
	"cohort/internal/repository/postgres"
	"cohort/internal/seed"
	"cohort/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Parse command-line flags
	dropTables := flag.Bool("drop-tables", false, "Drop all tables before seeding (fresh start)")
	schemaOnly := flag.Bool("schema-only", false, "Only set up schema, don't seed demo data (for use with shell scripts)")
	clearData := flag.Bool("clear-data", false, "Clear all study data (keep schema)")
	flag.Parse()

	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// SAFETY: Prevent destructive operations in production
	if cfg.Environment == "prod" && (*dropTables || *clearData) {
		log.Fatalf("BLOCKED: Cannot run destructive operations (--drop-tables or --clear-data) in production environment")
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *clearData {
		log.Printf("Clearing data only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else if *schemaOnly {
		log.Printf("Setting up schema only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else {
		log.Printf("Seeding database (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	}

	// Create database connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Drop tables if requested
	if *dropTables {
		log.Println("Dropping all tables...")
		if err := dropAllTables(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		log.Println("Tables dropped")
	}

	// Run schema to ensure tables exist
	log.Println("Ensuring database schema is up to date...")
	if err := runSchema(ctx, pool, tables, cfg.TablePrefix); err != nil {
		log.Fatalf("Failed to run schema: %v", err)
	}
	log.Println("Schema ready")

	// Exit early if schema-only mode
	if *schemaOnly {
		log.Println("Schema setup complete (schema-only mode)")
		return
	}

	// Clear existing data (both modes: --clear-data exits afterwards,
	// plain seeding continues with a clean slate)
	log.Println("Clearing existing study data...")
	if err := clearAllData(ctx, pool, tables); err != nil {
		log.Fatalf("Failed to clear data: %v", err)
	}
	if *clearData {
		log.Println("Data cleared successfully")
		return
	}

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	studyRepo := postgres.NewStudyRepository(repoConfig)
	projectRepo := postgres.NewProjectRepository(repoConfig)
	roleRepo := postgres.NewRoleRepository(repoConfig)
	fieldRepo := postgres.NewFieldRepository(repoConfig)
	recordRepo := postgres.NewRecordRepository(repoConfig)
	stdRepo := postgres.NewStandardizationRepository(repoConfig)
	jobRepo := postgres.NewExportJobRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool)

	// Create services
	permissionService := service.NewPermissionService(roleRepo, logger)
	studyService := service.NewStudyService(studyRepo, projectRepo, roleRepo, fieldRepo, recordRepo, txManager, permissionService, logger)
	roleService := service.NewRoleService(roleRepo, studyRepo, projectRepo, permissionService, logger)
	fieldService := service.NewFieldService(studyRepo, projectRepo, fieldRepo, permissionService, logger)
	dataService := service.NewDataService(studyRepo, projectRepo, fieldRepo, recordRepo, stdRepo, jobRepo, permissionService, logger)

	// Seed demo data through the service layer
	log.Println("Seeding demo studies...")
	adminID := getEnv("SEED_ADMIN_ID", "00000000-0000-4000-8000-000000000001")
	seeder := seed.NewDemoSeeder(studyService, roleService, fieldService, dataService, logger)
	if err := seeder.Seed(ctx, adminID); err != nil {
		log.Fatalf("Failed to seed demo data: %v", err)
	}

	log.Println("Seeding complete!")
}

// runSchema creates tables if they don't exist
func runSchema(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, tablePrefix string) error {
	// Create studies table
	createStudies := `
		CREATE TABLE IF NOT EXISTS ` + tables.Studies + ` (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted TIMESTAMPTZ,
			current_data_version INTEGER NOT NULL DEFAULT -1,
			data_versions JSONB NOT NULL DEFAULT '[]'::jsonb,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'ANY'
		)
	`
	if _, err := pool.Exec(ctx, createStudies); err != nil {
		return err
	}

	// Create projects table
	createProjects := `
		CREATE TABLE IF NOT EXISTS ` + tables.Projects + ` (
			id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			created_by TEXT NOT NULL,
			name TEXT NOT NULL,
			patient_mapping JSONB NOT NULL DEFAULT '{}'::jsonb,
			approved_fields TEXT[] NOT NULL DEFAULT '{}',
			approved_files TEXT[] NOT NULL DEFAULT '{}',
			last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted TIMESTAMPTZ
		)
	`
	if _, err := pool.Exec(ctx, createProjects); err != nil {
		return err
	}

	// Create roles table
	createRoles := `
		CREATE TABLE IF NOT EXISTS ` + tables.Roles + ` (
			id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			project_id TEXT REFERENCES ` + tables.Projects + `(id),
			name TEXT NOT NULL,
			permissions TEXT[] NOT NULL DEFAULT '{}',
			users TEXT[] NOT NULL DEFAULT '{}',
			created_by TEXT NOT NULL,
			deleted TIMESTAMPTZ
		)
	`
	if _, err := pool.Exec(ctx, createRoles); err != nil {
		return err
	}

	// Create field entries table
	createFieldEntries := `
		CREATE TABLE IF NOT EXISTS ` + tables.FieldEntries + ` (
			id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			field_id TEXT NOT NULL,
			field_name TEXT NOT NULL,
			table_name TEXT NOT NULL DEFAULT '',
			data_type TEXT NOT NULL,
			possible_values JSONB,
			unit TEXT NOT NULL DEFAULT '',
			comments TEXT NOT NULL DEFAULT '',
			data_version TEXT,
			metadata JSONB,
			date_added TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			date_deleted TIMESTAMPTZ
		)
	`
	if _, err := pool.Exec(ctx, createFieldEntries); err != nil {
		return err
	}

	// Create data records table
	createDataRecords := `
		CREATE TABLE IF NOT EXISTS ` + tables.DataRecords + ` (
			id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			subject_id TEXT NOT NULL,
			visit_id TEXT NOT NULL,
			version_id TEXT,
			field_id TEXT NOT NULL,
			value TEXT,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			metadata JSONB
		)
	`
	if _, err := pool.Exec(ctx, createDataRecords); err != nil {
		return err
	}

	// Create standardizations table
	createStandardizations := `
		CREATE TABLE IF NOT EXISTS ` + tables.Standardizations + ` (
			id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			type TEXT NOT NULL,
			field TEXT NOT NULL,
			name TEXT NOT NULL,
			deleted TIMESTAMPTZ
		)
	`
	if _, err := pool.Exec(ctx, createStandardizations); err != nil {
		return err
	}

	// Create export jobs table
	createExportJobs := `
		CREATE TABLE IF NOT EXISTS ` + tables.ExportJobs + ` (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			study_id TEXT NOT NULL REFERENCES ` + tables.Studies + `(id),
			project_id TEXT,
			requester TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createExportJobs); err != nil {
		return err
	}

	// Create indexes. The partial unique indexes double as the ON CONFLICT
	// targets of the live upserts: at most one live row per dictionary
	// fieldId and per record coordinate, frozen rows never contended.
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `studies_name ON ` + tables.Studies + `(name) WHERE deleted IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `projects_study_name ON ` + tables.Projects + `(study_id, name) WHERE deleted IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `roles_study ON ` + tables.Roles + `(study_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `field_entries_live ON ` + tables.FieldEntries + `(study_id, field_id) WHERE data_version IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `field_entries_study_version ON ` + tables.FieldEntries + `(study_id, data_version)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `data_records_live ON ` + tables.DataRecords + `(study_id, subject_id, visit_id, field_id) WHERE version_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `data_records_study_version ON ` + tables.DataRecords + `(study_id, version_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `data_records_coordinate ON ` + tables.DataRecords + `(study_id, subject_id, visit_id, field_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `standardizations_study_type ON ` + tables.Standardizations + `(study_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `export_jobs_study ON ` + tables.ExportJobs + `(study_id)`,
	}

	for _, indexSQL := range indexes {
		if _, err := pool.Exec(ctx, indexSQL); err != nil {
			return err
		}
	}

	return nil
}

// dropAllTables drops all tables in reverse order (to respect foreign keys)
func dropAllTables(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	tableNames := []string{
		tables.ExportJobs,
		tables.Standardizations,
		tables.DataRecords,
		tables.FieldEntries,
		tables.Roles,
		tables.Projects,
		tables.Studies,
	}

	for _, table := range tableNames {
		dropSQL := "DROP TABLE IF EXISTS " + table + " CASCADE"
		if _, err := pool.Exec(ctx, dropSQL); err != nil {
			return err
		}
		log.Printf("  Dropped %s", table)
	}

	return nil
}

// clearAllData deletes every row while keeping the schema
func clearAllData(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	tableNames := []string{
		tables.ExportJobs,
		tables.Standardizations,
		tables.DataRecords,
		tables.FieldEntries,
		tables.Roles,
		tables.Projects,
		tables.Studies,
	}

	for _, table := range tableNames {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
