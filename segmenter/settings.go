package segmenter

import (
	"fmt"
	"math"

	"open-mer/bus"
	"open-mer/config"
	"open-mer/errs"
	"open-mer/signal"
)

// Settings is the effective buffer configuration. It is replaced as a whole
// when procedure_settings is applied.
type Settings struct {
	ProcedureID       int64
	SamplingGroup     int
	BufferDuration    float64
	SampleDuration    float64
	DelayDuration     float64
	ValidityThreshold float64
	OverwriteDepth    bool
	Electrodes        map[string]bus.ElectrodeSetting
}

// DefaultSettings builds the settings used until procedure_settings arrives
func DefaultSettings(b config.BufferConfig) Settings {
	return Settings{
		SamplingGroup:     b.SamplingGroup,
		BufferDuration:    b.BufferDuration,
		SampleDuration:    b.SampleDuration,
		DelayDuration:     b.DelayDuration,
		ValidityThreshold: b.ValidityThreshold,
		OverwriteDepth:    b.OverwriteDepth,
	}
}

// Merge returns s with every field present in p replaced
func (s Settings) Merge(p *bus.ProcedureConfig) Settings {
	if p == nil {
		return s
	}
	out := s
	if p.ProcedureID != 0 {
		out.ProcedureID = p.ProcedureID
	}
	if p.SamplingGroup != nil {
		out.SamplingGroup = *p.SamplingGroup
	}
	if p.BufferDuration != nil {
		out.BufferDuration = *p.BufferDuration
	}
	if p.SampleDuration != nil {
		out.SampleDuration = *p.SampleDuration
	}
	if p.DelayDuration != nil {
		out.DelayDuration = *p.DelayDuration
	}
	if p.ValidityThreshold != nil {
		out.ValidityThreshold = *p.ValidityThreshold
	}
	if p.OverwriteDepth != nil {
		out.OverwriteDepth = *p.OverwriteDepth
	}
	if p.ElectrodeSettings != nil {
		out.Electrodes = p.ElectrodeSettings
	}
	return out
}

// Validate checks durations and thresholds
func (s Settings) Validate() error {
	var reason string
	switch {
	case s.SampleDuration <= 0:
		reason = "sample_duration must be positive"
	case s.BufferDuration < s.SampleDuration:
		reason = fmt.Sprintf("buffer_duration %.2f shorter than sample_duration %.2f", s.BufferDuration, s.SampleDuration)
	case s.DelayDuration < 0:
		reason = "delay_duration must not be negative"
	case s.ValidityThreshold < 0 || s.ValidityThreshold > 1:
		reason = fmt.Sprintf("validity_threshold %.2f outside [0,1]", s.ValidityThreshold)
	default:
		return nil
	}
	return errs.Config(nil, "segmenter", "Validate", reason)
}

// layout is everything derived from Settings and the group's channel list
type layout struct {
	channels  []signal.ChannelInfo
	sourceIdx map[int]int
	rate      float64
	sampleLen int
	bufferLen int
	delayLen  int
	// minValid is the per-channel valid-sample count a window needs
	minValid  []float64
}

func samples(seconds, rate float64) int {
	return int(math.Round(seconds * rate))
}

func newLayout(s Settings, channels []signal.ChannelInfo, groups []string) (*layout, error) {
	if len(channels) == 0 {
		return nil, errs.Config(errs.ErrUnknownGroup, "segmenter", "layout", fmt.Sprintf("group %d has no channels", s.SamplingGroup))
	}
	rate := channels[0].SampleRate
	if rate <= 0 {
		r, err := signal.GroupRate(groups, s.SamplingGroup)
		if err != nil {
			return nil, err
		}
		rate = r
	}

	l := &layout{
		channels:  channels,
		sourceIdx: make(map[int]int, len(channels)),
		rate:      rate,
		sampleLen: samples(s.SampleDuration, rate),
		bufferLen: samples(s.BufferDuration, rate),
		delayLen:  samples(s.DelayDuration, rate),
		minValid:  make([]float64, len(channels)),
	}
	if l.sampleLen <= 0 {
		return nil, errs.Config(nil, "segmenter", "layout", "sample length rounds to zero samples")
	}

	labels := make(map[string]int, len(channels))
	for i, ch := range channels {
		l.sourceIdx[ch.SourceID] = i
		labels[ch.Label] = i
		l.minValid[i] = s.ValidityThreshold * float64(l.sampleLen)
	}
	for label, es := range s.Electrodes {
		i, ok := labels[label]
		if !ok {
			return nil, errs.Config(errs.ErrUnknownChannel, "segmenter", "layout", fmt.Sprintf("electrode %q", label))
		}
		// electrode validity is a percentage
		l.minValid[i] = es.Validity / 100 * float64(l.sampleLen)
	}
	return l, nil
}

func (l *layout) sameShape(o *layout) bool {
	if o == nil || l.rate != o.rate || l.sampleLen != o.sampleLen || l.bufferLen != o.bufferLen ||
		l.delayLen != o.delayLen || len(l.channels) != len(o.channels) {
		return false
	}
	for i := range l.channels {
		if l.channels[i].SourceID != o.channels[i].SourceID {
			return false
		}
	}
	return true
}
