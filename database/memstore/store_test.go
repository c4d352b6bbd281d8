package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/database"
	models "open-mer/database/models_pkg"
)

func seedProcedure(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	subjectID, err := s.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1", Name: "Jane Doe"})
	require.NoError(t, err)
	procID, err := s.FindOrCreateProcedure(ctx, &database.Procedure{
		SubjectID:  subjectID,
		TargetName: "STN",
		Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return procID
}

func segmentAt(t *testing.T, procID, depthUM int64, fill int16) *database.Segment {
	t.Helper()
	data, err := models.EncodeSamples([][]int16{{fill, fill, fill}})
	require.NoError(t, err)
	return &database.Segment{
		ProcedureID: procID,
		Depth:       float64(depthUM) / 1000,
		DepthUM:     depthUM,
		SampleRate:  30000,
		NChannels:   1,
		NSamples:    3,
		Data:        data,
		Validity:    pq.BoolArray{true},
		Labels:      pq.StringArray{"Ch1"},
		IsGood:      true,
	}
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, err := s.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1"})
	require.NoError(t, err)
	b, err := s.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1", Name: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = s.FindOrCreateSubject(ctx, &database.Subject{})
	assert.Error(t, err)

	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	p1, err := s.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: a, TargetName: "STN", Date: day})
	require.NoError(t, err)
	p2, err := s.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: a, TargetName: "STN", Date: day.Add(3 * time.Hour)})
	require.NoError(t, err)
	p3, err := s.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: a, TargetName: "GPi", Date: day})
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)

	_, err = s.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: 999, TargetName: "STN"})
	assert.True(t, database.IsNotFound(err))
}

func TestChannelsAreFixedAtCreation(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)

	require.NoError(t, s.CreateChannels(ctx, procID, []database.Channel{{Label: "Ch1"}, {Label: "Ch2"}}))
	require.NoError(t, s.CreateChannels(ctx, procID, []database.Channel{{Label: "Other"}}))

	channels, err := s.ListChannels(ctx, procID)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "Ch2", channels[1].Label)
	assert.Equal(t, 1, channels[1].Position)
}

func TestSaveSegmentDepthPolicy(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)

	first, err := s.SaveSegment(ctx, segmentAt(t, procID, -3500, 1), false)
	require.NoError(t, err)

	_, err = s.SaveSegment(ctx, segmentAt(t, procID, -3500, 2), false)
	assert.ErrorIs(t, err, database.ErrDepthExists)

	_, err = s.SaveFeatures(ctx, []database.Feature{{SegmentID: first, ChannelIndex: 0, Kind: "NoiseRMS", Payload: models.EncodePayload([]float64{1})}})
	require.NoError(t, err)

	second, err := s.SaveSegment(ctx, segmentAt(t, procID, -3500, 3), true)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	ids, err := s.ListSegmentIDs(ctx, procID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{second}, ids)

	seg, err := s.GetSegment(ctx, second)
	require.NoError(t, err)
	row, err := seg.Row(0)
	require.NoError(t, err)
	assert.Equal(t, []int16{3, 3, 3}, row)

	// features of the replaced segment are gone with it
	_, err = s.SaveFeatures(ctx, []database.Feature{{SegmentID: first, Kind: "NoiseRMS"}})
	assert.True(t, database.IsNotFound(err))

	select {
	case ev := <-s.Events():
		assert.Equal(t, first, ev.SegmentID)
	default:
		t.Fatal("expected a segment event")
	}
}

func TestSaveSegmentValidatesShape(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)

	seg := segmentAt(t, procID, 100, 0)
	seg.Validity = pq.BoolArray{true, false}
	_, err := s.SaveSegment(ctx, seg, false)
	var verr *database.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestInjectedSegmentFailures(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)
	boom := errors.New("connection reset")
	s.FailSegmentWrites(1, boom)

	_, err := s.SaveSegment(ctx, segmentAt(t, procID, 100, 0), false)
	assert.ErrorIs(t, err, boom)
	_, err = s.SaveSegment(ctx, segmentAt(t, procID, 100, 0), false)
	assert.NoError(t, err)
}

func TestSaveFeaturesInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)
	segID, err := s.SaveSegment(ctx, segmentAt(t, procID, 0, 0), false)
	require.NoError(t, err)

	rows := []database.Feature{
		{SegmentID: segID, ChannelIndex: 0, Kind: "NoiseRMS", Payload: models.EncodePayload([]float64{4.2}), PayloadLen: 1},
	}
	n, err := s.SaveFeatures(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again := []database.Feature{
		{SegmentID: segID, ChannelIndex: 0, Kind: "NoiseRMS", Payload: models.EncodePayload([]float64{9.9}), PayloadLen: 1},
	}
	n, err = s.SaveFeatures(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := s.ListFeatures(ctx, segID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	values, err := stored[0].Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{4.2}, values)

	_, err = s.SaveFeatures(ctx, []database.Feature{{SegmentID: segID, Kind: "A"}, {SegmentID: segID, Kind: "B"}})
	assert.Error(t, err)
}

func TestListSegmentsOmitsData(t *testing.T) {
	ctx := context.Background()
	s := New()
	procID := seedProcedure(t, s)
	for i := int64(0); i < 3; i++ {
		_, err := s.SaveSegment(ctx, segmentAt(t, procID, i*50, 0), false)
		require.NoError(t, err)
	}
	segs, err := s.ListSegments(ctx, procID, 0, 2)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Nil(t, segs[0].Data)
	assert.Less(t, segs[0].ID, segs[1].ID)
}
