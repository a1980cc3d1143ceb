package config

import (
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// A charge may carry many cancelled documents but only one live one.
const activeDocumentIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_fiscal_documents_active_charge
	ON fiscal_documents (charge_id) WHERE status <> 'cancelled'`

func InitDB(cfg *Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	logLevel := logger.Silent
	if cfg.LogLevel == "debug" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: logger.Default.LogMode(logLevel)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Migrations {
		if err := RunMigrations(cfg, "file://migrations"); err != nil {
			return nil, err
		}
		return db, nil
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// AutoMigrate creates the schema from the models. Used in development and tests.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Charge{},
		&models.Payment{},
		&models.FiscalDocument{},
		&models.ProcessedFingerprint{},
		&models.ImportBatch{},
	); err != nil {
		return err
	}
	return db.Exec(activeDocumentIndex).Error
}

// RunMigrations applies the SQL migrations found at source (a golang-migrate URL).
func RunMigrations(cfg *Config, source string) error {
	m, err := migrate.New(source, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sql migrations failed: %w", err)
	}

	version, dirty, _ := m.Version()
	logrus.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("database migrations applied")
	return nil
}
