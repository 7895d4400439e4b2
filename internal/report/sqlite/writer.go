// Package sqlite writes verification results to a local SQLite file via gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

const defaultBatchSize = 200

// LinkReport is one verified resource of one run.
type LinkReport struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"index;not null"`
	ResourceID  uint64 `gorm:"not null"`
	VerifiedURL string `gorm:"not null"`
	OriginalURL string `gorm:"not null"`
	ParentURL   string
	Internal    bool
	Kind        string
	Status      int `gorm:"index"`
	StatusText  string
	Broken      bool `gorm:"index"`
	SizeBytes   int64
	ContentType string
	CheckedAt   time.Time
	DurationMs  int64
}

// Writer inserts result batches with CreateInBatches.
type Writer struct {
	db    *gorm.DB
	runID string
}

// New opens (or creates) the database at path and migrates the schema.
func New(path, runID string) (*Writer, error) {
	if path == "" {
		return nil, errors.New("report.sqlite.path is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&LinkReport{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Writer{db: db, runID: runID}, nil
}

// Name implements report.Writer.
func (w *Writer) Name() string { return "sqlite" }

// Write inserts batch in one transaction.
func (w *Writer) Write(ctx context.Context, batch []crawler.VerificationResult) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]LinkReport, 0, len(batch))
	for _, res := range batch {
		rows = append(rows, LinkReport{
			RunID:       w.runID,
			ResourceID:  res.ID,
			VerifiedURL: res.VerifiedURL,
			OriginalURL: res.OriginalURL,
			ParentURL:   res.ParentURL,
			Internal:    res.Internal,
			Kind:        string(res.Kind),
			Status:      int(res.Status),
			StatusText:  res.Status.String(),
			Broken:      res.Status.Broken(),
			SizeBytes:   res.Size,
			ContentType: res.ContentType,
			CheckedAt:   res.CheckedAt,
			DurationMs:  res.Duration.Milliseconds(),
		})
	}
	if err := w.db.WithContext(ctx).CreateInBatches(rows, defaultBatchSize).Error; err != nil {
		return fmt.Errorf("insert reports: %w", err)
	}
	return nil
}

// Broken returns the broken results recorded for the writer's run.
func (w *Writer) Broken(ctx context.Context) ([]LinkReport, error) {
	var out []LinkReport
	err := w.db.WithContext(ctx).
		Where("run_id = ? AND broken = ?", w.runID, true).
		Order("resource_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query broken reports: %w", err)
	}
	return out, nil
}

// Close closes the underlying connection.
func (w *Writer) Close(context.Context) error {
	sqlDB, err := w.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
