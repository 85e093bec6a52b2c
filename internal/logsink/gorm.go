package logsink

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_certorch/internal/model"
)

// GormWriter stores log lines in system_logs
type GormWriter struct {
	db *gorm.DB
}

// NewGormWriter creates a writer on db
func NewGormWriter(db *gorm.DB) *GormWriter {
	return &GormWriter{db: db}
}

// WriteLogs inserts logs with a silent session
func (w *GormWriter) WriteLogs(ctx context.Context, logs []model.SystemLog) error {
	return w.db.WithContext(ctx).
		Session(&gorm.Session{Logger: logger.Discard}).
		CreateInBatches(logs, 100).Error
}
