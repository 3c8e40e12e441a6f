package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/verdia/herbarium-backend/internal/pkg/envutil"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/types"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := envutil.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := envutil.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := envutil.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := envutil.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := envutil.GetEnv("POSTGRES_NAME", "herbarium", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	serviceLog.Info("Connecting to Postgres...", "host", postgresHost, "db", postgresName)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		// TranslateError turns driver unique-violation errors into
		// gorm.ErrDuplicatedKey, which the plant repo depends on for
		// insert-race detection.
		TranslateError: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		serviceLog.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(envutil.GetEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 20, log))
		sqlDB.SetMaxIdleConns(envutil.GetEnvAsInt("POSTGRES_MAX_IDLE_CONNS", 5, log))
		sqlDB.SetConnMaxLifetime(time.Duration(envutil.GetEnvAsInt("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 1800, log)) * time.Second)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := s.db.AutoMigrate(
		&types.Plant{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	// Substring search over names and description goes through trigram
	// indexes; plain B-trees cannot serve ILIKE '%...%'.
	if err := s.db.Exec(`CREATE EXTENSION IF NOT EXISTS pg_trgm;`).Error; err != nil {
		s.log.Warn("Could not enable pg_trgm extension, search will seq-scan", "error", err)
		return nil
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_plant_display_name_trgm ON "plant" USING gin (display_name gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_plant_scientific_name_trgm ON "plant" USING gin (scientific_name gin_trgm_ops)`,
	} {
		if err := s.db.Exec(stmt).Error; err != nil {
			s.log.Warn("Could not create trigram index", "error", err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }
