package segments

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	models "open-mer/database/models_pkg"
)

// ErrDepthOccupied is returned by Save when overwrite is off and the depth already has a segment
var ErrDepthOccupied = errors.New("depth occupied")

// Repository handles segment persistence
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new segments repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts seg in one transaction. With overwrite the previous segment at
// the same depth, and its features, are deleted first. notify is sent on
// channel inside the transaction so listeners only see committed rows.
func (r *Repository) Save(ctx context.Context, seg *models.Segment, overwrite bool, channel string, notify func(procedureID, segmentID int64) string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if overwrite {
			if err := tx.Where("procedure_id = ? AND depth_um = ?", seg.ProcedureID, seg.DepthUM).
				Delete(&models.Segment{}).Error; err != nil {
				return fmt.Errorf("SaveSegment delete previous: %w", err)
			}
		} else {
			var count int64
			if err := tx.Model(&models.Segment{}).
				Where("procedure_id = ? AND depth_um = ?", seg.ProcedureID, seg.DepthUM).
				Count(&count).Error; err != nil {
				return fmt.Errorf("SaveSegment check depth: %w", err)
			}
			if count > 0 {
				return ErrDepthOccupied
			}
		}

		seg.ID = 0
		if err := tx.Create(seg).Error; err != nil {
			return fmt.Errorf("SaveSegment: %w", err)
		}

		if notify != nil {
			if err := tx.Exec("SELECT pg_notify(?, ?)", channel, notify(seg.ProcedureID, seg.ID)).Error; err != nil {
				return fmt.Errorf("SaveSegment notify: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a segment with its sample data
func (r *Repository) Get(ctx context.Context, id int64) (*models.Segment, error) {
	var seg models.Segment
	if err := r.db.WithContext(ctx).First(&seg, id).Error; err != nil {
		return nil, fmt.Errorf("GetSegment: %w", err)
	}
	return &seg, nil
}

// ListIDs returns ids of a procedure's segments greater than afterID, ascending
func (r *Repository) ListIDs(ctx context.Context, procedureID, afterID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&models.Segment{}).
		Where("procedure_id = ? AND id > ?", procedureID, afterID).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("ListSegmentIDs: %w", err)
	}
	return ids, nil
}

// List returns segment metadata without the sample data
func (r *Repository) List(ctx context.Context, procedureID, afterID int64, limit int) ([]models.Segment, error) {
	var segs []models.Segment
	query := r.db.WithContext(ctx).
		Omit("data").
		Where("procedure_id = ? AND id > ?", procedureID, afterID).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("ListSegments: %w", err)
	}
	return segs, nil
}
