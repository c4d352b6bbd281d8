package database

import (
	"context"
	"fmt"
	"sync"

	"open-mer/dsp"
)

// HighpassCutoff and HighpassOrder define the filter applied by LoadSegmentRaw when highpass is requested
const (
	HighpassCutoff = 250.0
	HighpassOrder  = 4
)

// Session scopes Store calls to one selected procedure and one ordered set of
// enabled feature kinds. It is safe for concurrent use.
type Session struct {
	store Store

	mu          sync.RWMutex
	procedureID int64
	kinds       []string
}

// NewSession creates a session with no procedure selected
func NewSession(store Store) *Session {
	return &Session{store: store}
}

// Store returns the underlying store
func (s *Session) Store() Store {
	return s.store
}

// SelectProcedure makes subsequent calls scoped to procedure id. An unknown id
// leaves the previous selection in place.
func (s *Session) SelectProcedure(ctx context.Context, id int64) (*Procedure, error) {
	p, err := s.store.GetProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.procedureID = id
	s.mu.Unlock()
	return p, nil
}

// ProcedureID returns the selected procedure, 0 when none
func (s *Session) ProcedureID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procedureID
}

func (s *Session) current() (int64, error) {
	id := s.ProcedureID()
	if id == 0 {
		return 0, NewValidationError("procedure", "no procedure selected")
	}
	return id, nil
}

// SelectFeatureKinds scopes feature queries to the given kinds, in order
func (s *Session) SelectFeatureKinds(kinds []string) {
	s.mu.Lock()
	s.kinds = append([]string(nil), kinds...)
	s.mu.Unlock()
}

// FeatureKinds returns the selected kinds
func (s *Session) FeatureKinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.kinds...)
}

// ChannelLabels lists the labels of the current procedure's channels in order
func (s *Session) ChannelLabels(ctx context.Context) ([]string, error) {
	id, err := s.current()
	if err != nil {
		return nil, err
	}
	channels, err := s.store.ListChannels(ctx, id)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(channels))
	for i, ch := range channels {
		labels[i] = ch.Label
	}
	return labels, nil
}

// SaveSegment stores seg under the current procedure
func (s *Session) SaveSegment(ctx context.Context, seg *Segment, overwrite bool) (int64, error) {
	id, err := s.current()
	if err != nil {
		return 0, err
	}
	seg.ProcedureID = id
	return s.store.SaveSegment(ctx, seg, overwrite)
}

// SegmentIDsAfter lists the current procedure's segment ids greater than after, ascending
func (s *Session) SegmentIDsAfter(ctx context.Context, after int64) ([]int64, error) {
	id, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.store.ListSegmentIDs(ctx, id, after)
}

// LoadSegmentRaw returns one channel row of a segment. With highpass the row
// is filtered; with microvolts it is multiplied by the channel gain.
func (s *Session) LoadSegmentRaw(ctx context.Context, segmentID int64, label string, highpass, microvolts bool) ([]float64, error) {
	seg, err := s.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return SegmentRow(seg, label, highpass, microvolts)
}

// SegmentRow extracts one channel row from a loaded segment
func SegmentRow(seg *Segment, label string, highpass, microvolts bool) ([]float64, error) {
	idx := seg.ChannelIndex(label)
	if idx < 0 {
		return nil, NewNotFoundErrorWithID("channel", label)
	}
	raw, err := seg.Row(idx)
	if err != nil {
		return nil, err
	}
	gain := 1.0
	if microvolts {
		gain = seg.Gain(idx)
	}
	row := dsp.Scale(raw, gain)
	if highpass {
		hp, err := dsp.ButterHighpass(HighpassOrder, HighpassCutoff, seg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("highpass at %.0f Hz: %w", seg.SampleRate, err)
		}
		row = hp.FiltFilt(row)
	}
	return row, nil
}

// ListFeatures returns the selected kinds present for a segment as kind → rows
// ordered by channel. With no kinds selected every kind is returned.
func (s *Session) ListFeatures(ctx context.Context, segmentID int64) (map[string][]Feature, error) {
	rows, err := s.store.ListFeatures(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	kinds := s.FeatureKinds()
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	out := make(map[string][]Feature)
	for _, f := range rows {
		if len(wanted) > 0 && !wanted[f.Kind] {
			continue
		}
		out[f.Kind] = append(out[f.Kind], f)
	}
	return out, nil
}

// SaveFeatures stores the per-channel rows of one (segment, kind)
func (s *Session) SaveFeatures(ctx context.Context, rows []Feature) (int, error) {
	return s.store.SaveFeatures(ctx, rows)
}
