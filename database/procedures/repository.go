package procedures

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "open-mer/database/models_pkg"
)

// Repository handles subjects, procedures and their channels
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new procedures repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindOrCreateSubject returns the subject with the same external id, creating it when absent
func (r *Repository) FindOrCreateSubject(ctx context.Context, s *models.Subject) (int64, error) {
	var existing models.Subject
	err := r.db.WithContext(ctx).Where("external_id = ?", s.ExternalID).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("FindOrCreateSubject: %w", err)
	}

	// A concurrent creator may win; re-read on conflict
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error; err != nil {
		return 0, fmt.Errorf("FindOrCreateSubject: %w", err)
	}
	if s.ID != 0 {
		return s.ID, nil
	}
	if err := r.db.WithContext(ctx).Where("external_id = ?", s.ExternalID).First(&existing).Error; err != nil {
		return 0, fmt.Errorf("FindOrCreateSubject: %w", err)
	}
	return existing.ID, nil
}

// GetSubject retrieves a subject by id
func (r *Repository) GetSubject(ctx context.Context, id int64) (*models.Subject, error) {
	var s models.Subject
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, fmt.Errorf("GetSubject: %w", err)
	}
	return &s, nil
}

// FindOrCreateProcedure returns the procedure with the same (subject, target, date), creating it when absent
func (r *Repository) FindOrCreateProcedure(ctx context.Context, p *models.Procedure) (int64, error) {
	find := func() (int64, error) {
		var existing models.Procedure
		err := r.db.WithContext(ctx).
			Where("subject_id = ? AND target_name = ? AND date = ?", p.SubjectID, p.TargetName, p.Date).
			First(&existing).Error
		return existing.ID, err
	}

	id, err := find()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("FindOrCreateProcedure: %w", err)
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error; err != nil {
		return 0, fmt.Errorf("FindOrCreateProcedure: %w", err)
	}
	if p.ID != 0 {
		return p.ID, nil
	}
	id, err = find()
	if err != nil {
		return 0, fmt.Errorf("FindOrCreateProcedure: %w", err)
	}
	return id, nil
}

// GetProcedure retrieves a procedure by id
func (r *Repository) GetProcedure(ctx context.Context, id int64) (*models.Procedure, error) {
	var p models.Procedure
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, fmt.Errorf("GetProcedure: %w", err)
	}
	return &p, nil
}

// SaveSettings stores the last applied settings payload of a procedure
func (r *Repository) SaveSettings(ctx context.Context, id int64, settings []byte) error {
	res := r.db.WithContext(ctx).Model(&models.Procedure{}).
		Where("id = ?", id).
		Update("settings", datatypes.JSON(settings))
	if res.Error != nil {
		return fmt.Errorf("SaveSettings: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("SaveSettings: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// CreateChannels inserts the channel set unless the procedure already has one
func (r *Repository) CreateChannels(ctx context.Context, procedureID int64, channels []models.Channel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Channel{}).Where("procedure_id = ?", procedureID).Count(&count).Error; err != nil {
			return fmt.Errorf("CreateChannels: %w", err)
		}
		if count > 0 || len(channels) == 0 {
			return nil
		}
		rows := make([]models.Channel, len(channels))
		for i, ch := range channels {
			ch.ID = 0
			ch.ProcedureID = procedureID
			ch.Position = i
			rows[i] = ch
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("CreateChannels: %w", err)
		}
		return nil
	})
}

// ListChannels returns a procedure's channels ordered by position
func (r *Repository) ListChannels(ctx context.Context, procedureID int64) ([]models.Channel, error) {
	var channels []models.Channel
	if err := r.db.WithContext(ctx).
		Where("procedure_id = ?", procedureID).
		Order("position ASC").
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	return channels, nil
}
