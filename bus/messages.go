package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"open-mer/errs"
	"open-mer/helpers"
)

// Status is a snippet_status token
type Status string

const (
	StatusStartup      Status = "startup"
	StatusNotRecording Status = "notrecording"
	StatusAccumulating Status = "accumulating"
	StatusRecording    Status = "recording"
	StatusDone         Status = "done"
	StatusRefresh      Status = "refresh"
)

// ParseStatus validates a snippet_status payload
func ParseStatus(payload []byte) (Status, error) {
	s := Status(strings.TrimSpace(string(payload)))
	switch s {
	case StatusStartup, StatusNotRecording, StatusAccumulating, StatusRecording, StatusDone, StatusRefresh:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown snippet status %q", ErrMalformed, string(payload))
}

// RefreshToken is the features payload requesting a settings re-send
const RefreshToken = "refresh"

// ElectrodeSetting is the per-channel override inside procedure settings
type ElectrodeSetting struct {
	// Threshold is the dialog's spike-threshold toggle, kept in the settings snapshot
	Threshold bool `json:"threshold"`
	// Validity is the percentage of in-range samples for the channel to be good
	Validity float64 `json:"validity"`
}

// ProcedureConfig is the "procedure" object of procedure_settings
type ProcedureConfig struct {
	ProcedureID       int64                       `json:"procedure_id,omitempty"`
	SamplingGroup     *int                        `json:"sampling_group,omitempty"`
	BufferDuration    *float64                    `json:"buffer_duration,omitempty"`
	SampleDuration    *float64                    `json:"sample_duration,omitempty"`
	DelayDuration     *float64                    `json:"delay_duration,omitempty"`
	ValidityThreshold *float64                    `json:"validity_threshold,omitempty"`
	OverwriteDepth    *bool                       `json:"overwrite_depth,omitempty"`
	ElectrodeSettings map[string]ElectrodeSetting `json:"electrode_settings,omitempty"`

	// Descriptive fields used when the procedure is created
	TargetName       string    `json:"target_name,omitempty"`
	Type             string    `json:"type,omitempty"`
	RecordingConfig  string    `json:"recording_config,omitempty"`
	ElectrodeConfig  string    `json:"electrode_config,omitempty"`
	Date             string    `json:"date,omitempty"`
	Entry            []float64 `json:"entry,omitempty"`
	Target           []float64 `json:"target,omitempty"`
	A                []float64 `json:"a,omitempty"`
	E                []float64 `json:"e,omitempty"`
	DistanceToTarget *float64  `json:"distance_to_target,omitempty"`
	OffsetDirection  string    `json:"offset_direction,omitempty"`
	OffsetSize       *float64  `json:"offset_size,omitempty"`
	MedicationStatus string    `json:"medication_status,omitempty"`
}

// SubjectInfo is the "subject" object of procedure_settings
type SubjectInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Sex        string `json:"sex,omitempty"`
	Birthday   string `json:"birthday,omitempty"`
	NSPComment string `json:"NSP_comment,omitempty"`
}

// ProcedureSettings is the procedure_settings payload
type ProcedureSettings struct {
	Procedure *ProcedureConfig `json:"procedure,omitempty"`
	Subject   *SubjectInfo     `json:"subject,omitempty"`
	Features  FeatureMap       `json:"features,omitempty"`
	Running   *bool            `json:"running,omitempty"`
}

// IsShutdown reports whether the settings carry running == false
func (s ProcedureSettings) IsShutdown() bool {
	return s.Running != nil && !*s.Running
}

// ParseProcedureSettings decodes a procedure_settings payload. Payloads that
// name the sampling group as sampling_rate are rejected.
func ParseProcedureSettings(payload []byte) (ProcedureSettings, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ProcedureSettings{}, errs.Config(err, "bus", "ParseProcedureSettings", "invalid procedure_settings JSON")
	}

	if _, ok := raw["sampling_rate"]; ok {
		return ProcedureSettings{}, errs.Config(errs.ErrDeprecatedKey, "bus", "ParseProcedureSettings", "sampling_rate is not accepted, use sampling_group")
	}
	if proc, ok := raw["procedure"]; ok {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(proc, &keys); err == nil {
			if _, bad := keys["sampling_rate"]; bad {
				return ProcedureSettings{}, errs.Config(errs.ErrDeprecatedKey, "bus", "ParseProcedureSettings", "sampling_rate is not accepted, use sampling_group")
			}
		}
	}

	var s ProcedureSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return ProcedureSettings{}, errs.Config(err, "bus", "ParseProcedureSettings", "invalid procedure_settings fields")
	}
	return s, nil
}

// ChannelSelect is the channel_select payload
type ChannelSelect struct {
	// Channel is 1-based; 0 means none
	Channel  int     `json:"channel"`
	Label    string  `json:"label"`
	Range    float64 `json:"range"`
	Highpass bool    `json:"highpass"`
}

// ParseChannelSelect decodes a channel_select payload
func ParseChannelSelect(payload []byte) (ChannelSelect, error) {
	var cs ChannelSelect
	if err := json.Unmarshal(payload, &cs); err != nil {
		return ChannelSelect{}, fmt.Errorf("%w: channel_select: %v", ErrMalformed, err)
	}
	if cs.Channel < 0 {
		return ChannelSelect{}, fmt.Errorf("%w: channel_select: negative channel %d", ErrMalformed, cs.Channel)
	}
	return cs, nil
}

// ParseFeaturesMessage decodes a features payload: either the refresh token or an enable map
func ParseFeaturesMessage(payload []byte) (refresh bool, enabled FeatureMap, err error) {
	trimmed := bytes.TrimSpace(payload)
	if string(trimmed) == RefreshToken {
		return true, nil, nil
	}
	if err := json.Unmarshal(trimmed, &enabled); err != nil {
		return false, nil, fmt.Errorf("%w: features: %v", ErrMalformed, err)
	}
	return false, enabled, nil
}

// Publish helpers

// PublishStatus sends a snippet_status token
func PublishStatus(ctx context.Context, b Bus, status Status) error {
	return b.Publish(ctx, TopicSnippetStatus, []byte(status))
}

// PublishDepth sends a depth in millimetres, printed with three decimals
func PublishDepth(ctx context.Context, b Bus, mm float64) error {
	return b.Publish(ctx, TopicDDU, []byte(helpers.FormatDepth(mm)))
}

// PublishSettings sends procedure_settings
func PublishSettings(ctx context.Context, b Bus, s ProcedureSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.Publish(ctx, TopicProcedureSettings, data)
}

// PublishShutdown sends procedure_settings with running == false
func PublishShutdown(ctx context.Context, b Bus) error {
	running := false
	return PublishSettings(ctx, b, ProcedureSettings{Running: &running})
}

// PublishChannelSelect sends channel_select
func PublishChannelSelect(ctx context.Context, b Bus, cs ChannelSelect) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return b.Publish(ctx, TopicChannelSelect, data)
}

// PublishFeatures sends a feature-enable map, or the refresh token when enabled is nil
func PublishFeatures(ctx context.Context, b Bus, enabled FeatureMap) error {
	if enabled == nil {
		return b.Publish(ctx, TopicFeatures, []byte(RefreshToken))
	}
	data, err := json.Marshal(enabled)
	if err != nil {
		return err
	}
	return b.Publish(ctx, TopicFeatures, data)
}
