package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cohort/internal/auth"
	"cohort/internal/config"
	"cohort/internal/handler"
	"cohort/internal/middleware"
	"cohort/internal/repository/postgres"
	"cohort/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.OpenLogFile(cfg.LogDir, 10)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logOut = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create JWT verifier
	jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}
	defer jwtVerifier.Close()

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

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

	// Create handlers
	studyHandler := handler.NewStudyHandler(studyService, logger)
	projectHandler := handler.NewProjectHandler(studyService, logger)
	roleHandler := handler.NewRoleHandler(roleService, logger)
	fieldHandler := handler.NewFieldHandler(fieldService, logger)
	dataHandler := handler.NewDataHandler(dataService, logger)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", studyHandler.HealthCheck)

	// Study routes
	mux.HandleFunc("GET /api/studies", studyHandler.ListStudies)
	mux.HandleFunc("POST /api/studies", studyHandler.CreateStudy)
	mux.HandleFunc("GET /api/studies/{id}", studyHandler.GetStudy)
	mux.HandleFunc("PATCH /api/studies/{id}", studyHandler.UpdateStudy)
	mux.HandleFunc("DELETE /api/studies/{id}", studyHandler.DeleteStudy)

	// Data version routes
	mux.HandleFunc("POST /api/studies/{id}/versions", studyHandler.CreateDataVersion)
	mux.HandleFunc("PUT /api/studies/{id}/versions/current", studyHandler.SetDataVersion)

	// Project routes
	mux.HandleFunc("POST /api/studies/{id}/projects", projectHandler.CreateProject)
	mux.HandleFunc("GET /api/studies/{id}/projects", projectHandler.ListProjects)
	mux.HandleFunc("GET /api/projects/{id}", projectHandler.GetProject)
	mux.HandleFunc("DELETE /api/projects/{id}", projectHandler.DeleteProject)
	mux.HandleFunc("PATCH /api/projects/{id}/fields", projectHandler.EditApprovedFields)
	mux.HandleFunc("PUT /api/projects/{id}/files", projectHandler.EditApprovedFiles)
	mux.HandleFunc("GET /api/projects/{id}/patient-mapping", projectHandler.GetPatientMapping)

	// Role routes
	mux.HandleFunc("POST /api/roles", roleHandler.CreateRole)
	mux.HandleFunc("PATCH /api/roles/{id}", roleHandler.UpdateRole)
	mux.HandleFunc("DELETE /api/roles/{id}", roleHandler.DeleteRole)
	mux.HandleFunc("GET /api/studies/{id}/roles", roleHandler.ListRoles)

	// Field dictionary routes
	mux.HandleFunc("GET /api/studies/{id}/fields", fieldHandler.ListFields)
	mux.HandleFunc("POST /api/studies/{id}/fields/query", fieldHandler.QueryFields) // Tri-state versionId needs a body
	mux.HandleFunc("POST /api/studies/{id}/fields", fieldHandler.CreateFields)
	mux.HandleFunc("DELETE /api/studies/{id}/fields/{fieldId}", fieldHandler.DeleteField)

	// Data routes
	mux.HandleFunc("POST /api/studies/{id}/data/query", dataHandler.QueryData)
	mux.HandleFunc("POST /api/studies/{id}/data", dataHandler.UploadData)
	mux.HandleFunc("DELETE /api/studies/{id}/data", dataHandler.DeleteData)
	mux.HandleFunc("GET /api/studies/{id}/subjects", dataHandler.ListSubjects)
	mux.HandleFunc("GET /api/studies/{id}/visits", dataHandler.ListVisits)
	mux.HandleFunc("GET /api/studies/{id}/records-count", dataHandler.CountSubjectVisits)

	// Standardization and export routes
	mux.HandleFunc("POST /api/studies/{id}/standardizations", dataHandler.CreateStandardization)
	mux.HandleFunc("POST /api/studies/{id}/export", dataHandler.CreateExportJob)
	mux.HandleFunc("GET /api/studies/{id}/export-jobs", dataHandler.ListExportJobs)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Auth → Routes
	httpHandler = middleware.Auth(jwtVerifier)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
