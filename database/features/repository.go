package features

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "open-mer/database/models_pkg"
)

// Repository handles feature persistence
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new features repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// List returns the features of a segment ordered by kind and channel
func (r *Repository) List(ctx context.Context, segmentID int64) ([]models.Feature, error) {
	var rows []models.Feature
	if err := r.db.WithContext(ctx).
		Where("segment_id = ?", segmentID).
		Order("kind ASC, channel_index ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ListFeatures: %w", err)
	}
	return rows, nil
}

// Save inserts rows that all share one (segment, kind). A transaction-scoped
// advisory lock on that pair serializes parallel engines; existing rows are
// left untouched.
func (r *Repository) Save(ctx context.Context, rows []models.Feature) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	segmentID, kind := rows[0].SegmentID, rows[0].Kind
	for _, f := range rows[1:] {
		if f.SegmentID != segmentID || f.Kind != kind {
			return 0, fmt.Errorf("SaveFeatures: rows mix (segment, kind) pairs")
		}
	}

	inserted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(CAST(? % 2147483647 AS integer), hashtext(?))", segmentID, kind).Error; err != nil {
			return fmt.Errorf("SaveFeatures lock: %w", err)
		}
		for i := range rows {
			rows[i].ID = 0
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows[i])
			if res.Error != nil {
				return fmt.Errorf("SaveFeatures: %w", res.Error)
			}
			inserted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
