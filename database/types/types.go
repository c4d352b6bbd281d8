package types

import "time"

// SegmentSummary is a stored segment without its sample matrix
type SegmentSummary struct {
	ID         int64     `json:"id"`
	Depth      float64   `json:"depth"`
	StartTime  time.Time `json:"start_time"`
	StopTime   time.Time `json:"stop_time"`
	SampleRate float64   `json:"sample_rate"`
	NChannels  int       `json:"n_channels"`
	NSamples   int       `json:"n_samples"`
	Labels     []string  `json:"labels"`
	Validity   []bool    `json:"validity"`
	IsGood     bool      `json:"is_good"`
}

// SegmentsResponse lists the segments of a procedure after a cursor
type SegmentsResponse struct {
	ProcedureID int64            `json:"procedure_id"`
	After       int64            `json:"after"`
	Segments    []SegmentSummary `json:"segments"`
	Count       int              `json:"count"`
}

// RawResponse is one channel row of a segment
type RawResponse struct {
	SegmentID  int64     `json:"segment_id"`
	Label      string    `json:"label"`
	SampleRate float64   `json:"sample_rate"`
	Highpass   bool      `json:"highpass"`
	Microvolts bool      `json:"microvolts"`
	Values     []float64 `json:"values"`
}

// FeatureRow is the decoded payload of one (segment, channel, kind)
type FeatureRow struct {
	ChannelIndex int       `json:"channel_index"`
	IsGood       bool      `json:"is_good"`
	Values       []float64 `json:"values"`
}

// FeaturesResponse groups a segment's feature rows by kind
type FeaturesResponse struct {
	SegmentID int64                   `json:"segment_id"`
	Kinds     map[string][]FeatureRow `json:"kinds"`
}

// ProcedureResponse reports the procedure a settings message was bound to
type ProcedureResponse struct {
	ProcedureID int64    `json:"procedure_id"`
	SubjectID   int64    `json:"subject_id"`
	Channels    []string `json:"channels"`
}

// RecordingRequest toggles on-device recording
type RecordingRequest struct {
	On      bool   `json:"on"`
	Comment string `json:"comment,omitempty"`
}

// RecordingResponse reports the recording state after a toggle
type RecordingResponse struct {
	Recording bool   `json:"recording"`
	FileName  string `json:"file_name,omitempty"`
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status      string `json:"status"`
	ProcedureID int64  `json:"procedure_id,omitempty"`
	SSEClients  int    `json:"sse_clients"`
}
