package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Subject is the patient a procedure belongs to. Demographic fields are only
// used for recording-file metadata.
type Subject struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID string     `gorm:"size:64;uniqueIndex;not null" json:"external_id"`
	Name       string     `gorm:"size:255" json:"name"`
	Sex        string     `gorm:"size:16" json:"sex"`
	Birthday   *time.Time `gorm:"type:date" json:"birthday,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Subject
func (Subject) TableName() string {
	return "subjects"
}

// Procedure is one surgical pass configuration for a Subject.
//
// Key Fields:
//   - TargetName, Date: together with SubjectID they identify the procedure
//   - Entry, Target, A, E: optional 3-vectors in millimetres, stored as jsonb
//   - Settings: last procedure_settings payload applied to this procedure
type Procedure struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SubjectID        int64          `gorm:"not null;uniqueIndex:idx_procedure_identity" json:"subject_id"`
	TargetName       string         `gorm:"size:64;uniqueIndex:idx_procedure_identity" json:"target_name"`
	Type             string         `gorm:"size:32" json:"type"`
	RecordingConfig  string         `gorm:"size:64" json:"recording_config"`
	ElectrodeConfig  string         `gorm:"size:64" json:"electrode_config"`
	Date             time.Time      `gorm:"type:date;uniqueIndex:idx_procedure_identity" json:"date"`
	Entry            datatypes.JSON `gorm:"type:jsonb" json:"entry,omitempty"`
	Target           datatypes.JSON `gorm:"type:jsonb" json:"target,omitempty"`
	A                datatypes.JSON `gorm:"type:jsonb" json:"a,omitempty"`
	E                datatypes.JSON `gorm:"type:jsonb" json:"e,omitempty"`
	DistanceToTarget *float64       `json:"distance_to_target,omitempty"`
	OffsetDirection  string         `gorm:"size:32" json:"offset_direction"`
	OffsetSize       *float64       `json:"offset_size,omitempty"`
	MedicationStatus string         `gorm:"size:32" json:"medication_status"`
	Settings         datatypes.JSON `gorm:"type:jsonb" json:"settings,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Procedure
func (Procedure) TableName() string {
	return "procedures"
}

// Channel is one electrode channel of a Procedure. The set is fixed at procedure creation.
type Channel struct {
	ID          int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProcedureID int64   `gorm:"not null;uniqueIndex:idx_channel_label" json:"procedure_id"`
	Position    int     `gorm:"not null" json:"position"`
	Label       string  `gorm:"size:64;not null;uniqueIndex:idx_channel_label" json:"label"`
	SourceID    int     `json:"source_id"`
	SampleRate  float64 `json:"sample_rate"`
	Gain        float64 `json:"gain"`      // raw units to microvolts
	Threshold   float64 `json:"threshold"` // spike threshold in raw units
	Validity    float64 `json:"validity"`  // fraction of the segment that must be in range
}

// TableName specifies the table name for Channel
func (Channel) TableName() string {
	return "channels"
}

// Segment is the recording committed for one depth of a Procedure.
//
// Data holds the int16 sample matrix row-major in little-endian byte order,
// NChannels rows of NSamples each. Validity, Labels, ChannelIDs and Gains
// all have NChannels entries.
type Segment struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProcedureID int64           `gorm:"not null;index;uniqueIndex:idx_segment_depth" json:"procedure_id"`
	Depth       float64         `gorm:"not null" json:"depth"`
	DepthUM     int64           `gorm:"column:depth_um;not null;uniqueIndex:idx_segment_depth" json:"depth_um"`
	StartTime   time.Time       `json:"start_time"`
	StopTime    time.Time       `json:"stop_time"`
	SampleRate  float64         `json:"sample_rate"`
	NChannels   int             `gorm:"column:n_channels" json:"n_channels"`
	NSamples    int             `gorm:"column:n_samples" json:"n_samples"`
	Data        []byte          `gorm:"type:bytea" json:"-"`
	Validity    pq.BoolArray    `gorm:"type:boolean[]" json:"validity"`
	Labels      pq.StringArray  `gorm:"type:text[]" json:"labels"`
	ChannelIDs  pq.Int64Array   `gorm:"type:bigint[]" json:"channel_ids"`
	Gains       pq.Float64Array `gorm:"type:double precision[]" json:"gains"`
	IsGood      bool            `json:"is_good"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Segment
func (Segment) TableName() string {
	return "segments"
}

// Feature is one computed feature for a (segment, channel, kind).
// Payload holds float64 values in little-endian byte order.
type Feature struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SegmentID    int64     `gorm:"not null;uniqueIndex:idx_feature_identity" json:"segment_id"`
	ChannelIndex int       `gorm:"not null;uniqueIndex:idx_feature_identity" json:"channel_index"`
	Kind         string    `gorm:"size:64;not null;uniqueIndex:idx_feature_identity" json:"kind"`
	Payload      []byte    `gorm:"type:bytea" json:"-"`
	PayloadLen   int       `json:"payload_len"`
	IsGood       bool      `json:"is_good"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Feature
func (Feature) TableName() string {
	return "features"
}
