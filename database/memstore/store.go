// Package memstore is an in-memory database.Store with the same semantics as
// the Postgres store: monotonic ids, depth uniqueness, overwrite in one step,
// and insert-if-absent features.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"open-mer/database"
)

type featureKey struct {
	segmentID int64
	channel   int
	kind      string
}

// Store is an in-memory database.Store
type Store struct {
	mu sync.Mutex

	nextID     int64
	subjects   map[int64]database.Subject
	procedures map[int64]database.Procedure
	channels   map[int64][]database.Channel
	segments   map[int64]database.Segment
	features   map[featureKey]database.Feature

	events chan database.SegmentEvent

	segmentFailures int
	failErr         error
}

// New creates an empty store
func New() *Store {
	return &Store{
		subjects:   make(map[int64]database.Subject),
		procedures: make(map[int64]database.Procedure),
		channels:   make(map[int64][]database.Channel),
		segments:   make(map[int64]database.Segment),
		features:   make(map[featureKey]database.Feature),
		events:     make(chan database.SegmentEvent, 64),
	}
}

// Events delivers a notification for every committed segment, dropping when full
func (s *Store) Events() <-chan database.SegmentEvent {
	return s.events
}

// FailSegmentWrites makes the next n SaveSegment calls return err
func (s *Store) FailSegmentWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentFailures = n
	s.failErr = err
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// FindOrCreateSubject implements database.Store
func (s *Store) FindOrCreateSubject(_ context.Context, subj *database.Subject) (int64, error) {
	if subj.ExternalID == "" {
		return 0, database.NewValidationError("external_id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.subjects {
		if existing.ExternalID == subj.ExternalID {
			return id, nil
		}
	}
	row := *subj
	row.ID = s.id()
	row.CreatedAt = time.Now()
	s.subjects[row.ID] = row
	subj.ID = row.ID
	return row.ID, nil
}

// GetSubject implements database.Store
func (s *Store) GetSubject(_ context.Context, id int64) (*database.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subj, ok := s.subjects[id]
	if !ok {
		return nil, database.NewNotFoundErrorWithID("subject", id)
	}
	return &subj, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FindOrCreateProcedure implements database.Store
func (s *Store) FindOrCreateProcedure(_ context.Context, p *database.Procedure) (int64, error) {
	if p.SubjectID == 0 {
		return 0, database.NewValidationError("subject_id", "must reference a subject")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[p.SubjectID]; !ok {
		return 0, database.NewNotFoundErrorWithID("subject", p.SubjectID)
	}
	for id, existing := range s.procedures {
		if existing.SubjectID == p.SubjectID && existing.TargetName == p.TargetName && sameDay(existing.Date, p.Date) {
			return id, nil
		}
	}
	row := *p
	row.ID = s.id()
	row.CreatedAt = time.Now()
	s.procedures[row.ID] = row
	p.ID = row.ID
	return row.ID, nil
}

// GetProcedure implements database.Store
func (s *Store) GetProcedure(_ context.Context, id int64) (*database.Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procedures[id]
	if !ok {
		return nil, database.NewNotFoundErrorWithID("procedure", id)
	}
	return &p, nil
}

// SaveProcedureSettings implements database.Store
func (s *Store) SaveProcedureSettings(_ context.Context, id int64, settings []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procedures[id]
	if !ok {
		return database.NewNotFoundErrorWithID("procedure", id)
	}
	p.Settings = append([]byte(nil), settings...)
	s.procedures[id] = p
	return nil
}

// CreateChannels implements database.Store
func (s *Store) CreateChannels(_ context.Context, procedureID int64, channels []database.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procedures[procedureID]; !ok {
		return database.NewNotFoundErrorWithID("procedure", procedureID)
	}
	if len(s.channels[procedureID]) > 0 {
		return nil
	}
	seen := make(map[string]bool, len(channels))
	rows := make([]database.Channel, len(channels))
	for i, ch := range channels {
		if seen[ch.Label] {
			return database.WrapDBError("CreateChannels", database.ErrDuplicate)
		}
		seen[ch.Label] = true
		ch.ID = s.id()
		ch.ProcedureID = procedureID
		ch.Position = i
		rows[i] = ch
	}
	s.channels[procedureID] = rows
	return nil
}

// ListChannels implements database.Store
func (s *Store) ListChannels(_ context.Context, procedureID int64) ([]database.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.Channel(nil), s.channels[procedureID]...), nil
}

func copySegment(seg database.Segment, withData bool) database.Segment {
	out := seg
	if withData {
		out.Data = append([]byte(nil), seg.Data...)
	} else {
		out.Data = nil
	}
	out.Validity = append(out.Validity[:0:0], seg.Validity...)
	out.Labels = append(out.Labels[:0:0], seg.Labels...)
	out.ChannelIDs = append(out.ChannelIDs[:0:0], seg.ChannelIDs...)
	out.Gains = append(out.Gains[:0:0], seg.Gains...)
	return out
}

// SaveSegment implements database.Store
func (s *Store) SaveSegment(_ context.Context, seg *database.Segment, overwrite bool) (int64, error) {
	if err := database.ValidateSegment(seg); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.segmentFailures > 0 {
		s.segmentFailures--
		err := s.failErr
		s.mu.Unlock()
		return 0, database.WrapDBError("SaveSegment", err)
	}

	var previous int64
	for id, existing := range s.segments {
		if existing.ProcedureID == seg.ProcedureID && existing.DepthUM == seg.DepthUM {
			previous = id
			break
		}
	}
	if previous != 0 {
		if !overwrite {
			s.mu.Unlock()
			return 0, database.ErrDepthExists
		}
		delete(s.segments, previous)
		for k := range s.features {
			if k.segmentID == previous {
				delete(s.features, k)
			}
		}
	}

	row := copySegment(*seg, true)
	row.ID = s.id()
	row.CreatedAt = time.Now()
	s.segments[row.ID] = row
	seg.ID = row.ID
	s.mu.Unlock()

	select {
	case s.events <- database.SegmentEvent{ProcedureID: row.ProcedureID, SegmentID: row.ID}:
	default:
	}
	return row.ID, nil
}

// GetSegment implements database.Store
func (s *Store) GetSegment(_ context.Context, id int64) (*database.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, database.NewNotFoundErrorWithID("segment", id)
	}
	out := copySegment(seg, true)
	return &out, nil
}

func (s *Store) sortedSegments(procedureID, afterID int64) []database.Segment {
	var out []database.Segment
	for id, seg := range s.segments {
		if seg.ProcedureID == procedureID && id > afterID {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListSegmentIDs implements database.Store
func (s *Store) ListSegmentIDs(_ context.Context, procedureID, afterID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.sortedSegments(procedureID, afterID)
	ids := make([]int64, len(segs))
	for i, seg := range segs {
		ids[i] = seg.ID
	}
	return ids, nil
}

// ListSegments implements database.Store
func (s *Store) ListSegments(_ context.Context, procedureID, afterID int64, limit int) ([]database.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.sortedSegments(procedureID, afterID)
	if limit > 0 && len(segs) > limit {
		segs = segs[:limit]
	}
	out := make([]database.Segment, len(segs))
	for i, seg := range segs {
		out[i] = copySegment(seg, false)
	}
	return out, nil
}

// ListFeatures implements database.Store
func (s *Store) ListFeatures(_ context.Context, segmentID int64) ([]database.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Feature
	for k, f := range s.features {
		if k.segmentID == segmentID {
			f.Payload = append([]byte(nil), f.Payload...)
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ChannelIndex < out[j].ChannelIndex
	})
	return out, nil
}

// SaveFeatures implements database.Store
func (s *Store) SaveFeatures(_ context.Context, rows []database.Feature) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range rows {
		if f.SegmentID != rows[0].SegmentID || f.Kind != rows[0].Kind {
			return 0, errors.New("SaveFeatures: rows mix (segment, kind) pairs")
		}
	}
	if _, ok := s.segments[rows[0].SegmentID]; !ok {
		return 0, database.NewNotFoundErrorWithID("segment", rows[0].SegmentID)
	}
	inserted := 0
	for i := range rows {
		k := featureKey{segmentID: rows[i].SegmentID, channel: rows[i].ChannelIndex, kind: rows[i].Kind}
		if existing, ok := s.features[k]; ok {
			rows[i].ID = existing.ID
			continue
		}
		row := rows[i]
		row.ID = s.id()
		row.Payload = append([]byte(nil), rows[i].Payload...)
		row.CreatedAt = time.Now()
		s.features[k] = row
		rows[i].ID = row.ID
		inserted++
	}
	return inserted, nil
}

// Close implements database.Store
func (s *Store) Close() error {
	return nil
}

var _ database.Store = (*Store)(nil)
