package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_certorch/internal/model"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	log := logrus.WithField("component", "db")
	log.Info("starting database migration")

	// subscriptions is owned by billing; it is migrated here only so a fresh
	// database has the columns the orchestrator reads.
	models := []interface{}{
		&model.Subscription{},
		&model.Certificate{},
		&model.ValidationChallenge{},
		&model.ProviderHealthRecord{},
		&model.SystemLog{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.WithField("tables", len(models)).Info("database migration completed")
	return nil
}
