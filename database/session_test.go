package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/database"
	"open-mer/database/memstore"
	models "open-mer/database/models_pkg"
)

func TestSessionScopesToProcedure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	session := database.NewSession(store)

	_, err := session.SegmentIDsAfter(ctx, 0)
	assert.Error(t, err, "no procedure selected")

	_, err = session.SelectProcedure(ctx, 42)
	assert.True(t, database.IsNotFound(err))
	assert.Equal(t, int64(0), session.ProcedureID())

	subj, err := store.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1"})
	require.NoError(t, err)
	procID, err := store.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: subj, TargetName: "STN", Date: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.CreateChannels(ctx, procID, []database.Channel{{Label: "Ch1"}, {Label: "Ch2"}}))

	_, err = session.SelectProcedure(ctx, procID)
	require.NoError(t, err)

	labels, err := session.ChannelLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ch1", "Ch2"}, labels)

	data, err := models.EncodeSamples([][]int16{{1, 2, 3, 4}, {10, 20, 30, 40}})
	require.NoError(t, err)
	segID, err := session.SaveSegment(ctx, &database.Segment{
		DepthUM:    -1000,
		SampleRate: 30000,
		NChannels:  2,
		NSamples:   4,
		Data:       data,
		Validity:   pq.BoolArray{true, true},
		Labels:     pq.StringArray{"Ch1", "Ch2"},
		Gains:      pq.Float64Array{0.5, 0.25},
	}, false)
	require.NoError(t, err)

	ids, err := session.SegmentIDsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{segID}, ids)

	row, err := session.LoadSegmentRaw(ctx, segID, "Ch2", false, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 5, 7.5, 10}, row)

	raw, err := session.LoadSegmentRaw(ctx, segID, "Ch1", false, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, raw)

	_, err = session.LoadSegmentRaw(ctx, segID, "Ch9", false, false)
	assert.True(t, database.IsNotFound(err))
}

func TestSessionFeatureKinds(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	session := database.NewSession(store)

	subj, _ := store.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1"})
	procID, _ := store.FindOrCreateProcedure(ctx, &database.Procedure{SubjectID: subj, TargetName: "STN"})
	_, err := session.SelectProcedure(ctx, procID)
	require.NoError(t, err)

	data, _ := models.EncodeSamples([][]int16{{0}})
	segID, err := session.SaveSegment(ctx, &database.Segment{
		NChannels: 1, NSamples: 1, Data: data,
		Validity: pq.BoolArray{false}, Labels: pq.StringArray{"Ch1"},
	}, false)
	require.NoError(t, err)

	for _, kind := range []string{"NoiseRMS", "BetaPower"} {
		_, err := session.SaveFeatures(ctx, []database.Feature{{SegmentID: segID, Kind: kind, Payload: models.EncodePayload([]float64{1})}})
		require.NoError(t, err)
	}

	all, err := session.ListFeatures(ctx, segID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	session.SelectFeatureKinds([]string{"BetaPower"})
	assert.Equal(t, []string{"BetaPower"}, session.FeatureKinds())
	scoped, err := session.ListFeatures(ctx, segID)
	require.NoError(t, err)
	assert.Len(t, scoped, 1)
	assert.Contains(t, scoped, "BetaPower")
}

func TestParseSegmentEvent(t *testing.T) {
	ev, err := database.ParseSegmentEvent("7:42")
	require.NoError(t, err)
	assert.Equal(t, database.SegmentEvent{ProcedureID: 7, SegmentID: 42}, ev)

	for _, bad := range []string{"", "7", "x:1", "1:y"} {
		_, err := database.ParseSegmentEvent(bad)
		assert.Error(t, err, bad)
	}
}

func TestErrorHelpers(t *testing.T) {
	assert.Nil(t, database.WrapDBError("op", nil))
	err := database.WrapDBError("SaveFeatures", database.ErrDuplicate)
	assert.True(t, database.IsUniqueViolation(err))
	assert.ErrorIs(t, err, database.ErrDuplicate)
	assert.Contains(t, err.Error(), "SaveFeatures")

	assert.True(t, database.IsNotFound(database.NewNotFoundErrorWithID("segment", 3)))
	assert.False(t, database.IsNotFound(err))
}
