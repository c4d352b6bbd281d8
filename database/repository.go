package database

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"open-mer/database/features"
	"open-mer/database/procedures"
	"open-mer/database/segments"
)

// MERRepository is the Postgres Store. It delegates to per-entity sub-repositories.
type MERRepository struct {
	db *Database

	procedures *procedures.Repository
	segments   *segments.Repository
	features   *features.Repository
}

// NewMERRepository creates the Postgres store on an open database
func NewMERRepository(db *Database) *MERRepository {
	return &MERRepository{
		db:         db,
		procedures: procedures.NewRepository(db.db),
		segments:   segments.NewRepository(db.db),
		features:   features.NewRepository(db.db),
	}
}

// InitSchema creates tables, constraints and indexes
func (r *MERRepository) InitSchema() error {
	log.Println("🔄 Starting database schema initialization...")

	if err := r.db.db.AutoMigrate(&Subject{}, &Procedure{}, &Channel{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	// Segments and features carry array columns and cascade rules, so they are managed manually
	if err := r.db.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			id BIGSERIAL PRIMARY KEY,
			procedure_id BIGINT NOT NULL REFERENCES procedures(id) ON DELETE CASCADE,
			depth DOUBLE PRECISION NOT NULL,
			depth_um BIGINT NOT NULL,
			start_time TIMESTAMPTZ,
			stop_time TIMESTAMPTZ,
			sample_rate DOUBLE PRECISION,
			n_channels INTEGER NOT NULL,
			n_samples INTEGER NOT NULL,
			data BYTEA,
			validity BOOLEAN[],
			labels TEXT[],
			channel_ids BIGINT[],
			gains DOUBLE PRECISION[],
			is_good BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create segments table: %w", err)
	}

	if err := r.db.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_segment_depth
		ON segments (procedure_id, depth_um)
	`).Error; err != nil {
		return fmt.Errorf("failed to create segment depth index: %w", err)
	}

	if err := r.db.db.Exec(`
		CREATE TABLE IF NOT EXISTS features (
			id BIGSERIAL PRIMARY KEY,
			segment_id BIGINT NOT NULL REFERENCES segments(id) ON DELETE CASCADE,
			channel_index INTEGER NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload BYTEA,
			payload_len INTEGER NOT NULL,
			is_good BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create features table: %w", err)
	}

	if err := r.db.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_feature_identity
		ON features (segment_id, channel_index, kind)
	`).Error; err != nil {
		return fmt.Errorf("failed to create feature identity index: %w", err)
	}

	// Older databases may predate the gains column
	if err := r.db.db.Exec(`ALTER TABLE segments ADD COLUMN IF NOT EXISTS gains DOUBLE PRECISION[]`).Error; err != nil {
		log.Printf("⚠️  Failed to add segments.gains: %v", err)
	}

	log.Println("✅ Database schema initialization completed successfully")
	return nil
}

// FindOrCreateSubject implements Store
func (r *MERRepository) FindOrCreateSubject(ctx context.Context, s *Subject) (int64, error) {
	if s.ExternalID == "" {
		return 0, NewValidationError("external_id", "must not be empty")
	}
	id, err := r.procedures.FindOrCreateSubject(ctx, s)
	return id, WrapDBError("FindOrCreateSubject", err)
}

// GetSubject implements Store
func (r *MERRepository) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	s, err := r.procedures.GetSubject(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewNotFoundErrorWithID("subject", id)
	}
	return s, WrapDBError("GetSubject", err)
}

// FindOrCreateProcedure implements Store
func (r *MERRepository) FindOrCreateProcedure(ctx context.Context, p *Procedure) (int64, error) {
	if p.SubjectID == 0 {
		return 0, NewValidationError("subject_id", "must reference a subject")
	}
	id, err := r.procedures.FindOrCreateProcedure(ctx, p)
	return id, WrapDBError("FindOrCreateProcedure", err)
}

// GetProcedure implements Store
func (r *MERRepository) GetProcedure(ctx context.Context, id int64) (*Procedure, error) {
	p, err := r.procedures.GetProcedure(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewNotFoundErrorWithID("procedure", id)
	}
	return p, WrapDBError("GetProcedure", err)
}

// SaveProcedureSettings implements Store
func (r *MERRepository) SaveProcedureSettings(ctx context.Context, id int64, settings []byte) error {
	err := r.procedures.SaveSettings(ctx, id, settings)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewNotFoundErrorWithID("procedure", id)
	}
	return WrapDBError("SaveProcedureSettings", err)
}

// CreateChannels implements Store
func (r *MERRepository) CreateChannels(ctx context.Context, procedureID int64, channels []Channel) error {
	return WrapDBError("CreateChannels", r.procedures.CreateChannels(ctx, procedureID, channels))
}

// ListChannels implements Store
func (r *MERRepository) ListChannels(ctx context.Context, procedureID int64) ([]Channel, error) {
	channels, err := r.procedures.ListChannels(ctx, procedureID)
	return channels, WrapDBError("ListChannels", err)
}

// SaveSegment implements Store
func (r *MERRepository) SaveSegment(ctx context.Context, seg *Segment, overwrite bool) (int64, error) {
	if err := ValidateSegment(seg); err != nil {
		return 0, err
	}
	err := r.segments.Save(ctx, seg, overwrite, NotifyChannel, formatSegmentEvent)
	switch {
	case errors.Is(err, segments.ErrDepthOccupied):
		return 0, ErrDepthExists
	case err != nil && !overwrite && IsUniqueViolation(err):
		// Lost a race with another writer at the same depth
		return 0, ErrDepthExists
	case err != nil:
		return 0, WrapDBError("SaveSegment", err)
	}
	return seg.ID, nil
}

// GetSegment implements Store
func (r *MERRepository) GetSegment(ctx context.Context, id int64) (*Segment, error) {
	seg, err := r.segments.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewNotFoundErrorWithID("segment", id)
	}
	return seg, WrapDBError("GetSegment", err)
}

// ListSegmentIDs implements Store
func (r *MERRepository) ListSegmentIDs(ctx context.Context, procedureID, afterID int64) ([]int64, error) {
	ids, err := r.segments.ListIDs(ctx, procedureID, afterID)
	return ids, WrapDBError("ListSegmentIDs", err)
}

// ListSegments implements Store
func (r *MERRepository) ListSegments(ctx context.Context, procedureID, afterID int64, limit int) ([]Segment, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	segs, err := r.segments.List(ctx, procedureID, afterID, limit)
	return segs, WrapDBError("ListSegments", err)
}

// ListFeatures implements Store
func (r *MERRepository) ListFeatures(ctx context.Context, segmentID int64) ([]Feature, error) {
	rows, err := r.features.List(ctx, segmentID)
	return rows, WrapDBError("ListFeatures", err)
}

// SaveFeatures implements Store
func (r *MERRepository) SaveFeatures(ctx context.Context, rows []Feature) (int, error) {
	n, err := r.features.Save(ctx, rows)
	return n, WrapDBError("SaveFeatures", err)
}

// Close closes the underlying database
func (r *MERRepository) Close() error {
	return r.db.Close()
}

// ValidateSegment checks the shape invariants of a segment before it is stored
func ValidateSegment(seg *Segment) error {
	switch {
	case seg.ProcedureID == 0:
		return NewValidationError("procedure_id", "must reference a procedure")
	case seg.NChannels <= 0:
		return NewValidationErrorWithValue("n_channels", "must be positive", seg.NChannels)
	case seg.NSamples <= 0:
		return NewValidationErrorWithValue("n_samples", "must be positive", seg.NSamples)
	case len(seg.Data) != 2*seg.NChannels*seg.NSamples:
		return NewValidationErrorWithValue("data", "length does not match channels × samples", len(seg.Data))
	case len(seg.Validity) != seg.NChannels:
		return NewValidationErrorWithValue("validity", "length does not match channel count", len(seg.Validity))
	case len(seg.Labels) != seg.NChannels:
		return NewValidationErrorWithValue("labels", "length does not match channel count", len(seg.Labels))
	}
	return nil
}
