package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/bus"
	"open-mer/cache"
	"open-mer/database"
	"open-mer/database/memstore"
	models "open-mer/database/models_pkg"
	"open-mer/database/types"
	"open-mer/metrics"
	"open-mer/realtime"
)

type fakeProcedures struct {
	opened    []bus.ProcedureSettings
	stopped   int
	recording []types.RecordingRequest
	openErr   error
}

func (f *fakeProcedures) Open(_ context.Context, s bus.ProcedureSettings) (types.ProcedureResponse, error) {
	if f.openErr != nil {
		return types.ProcedureResponse{}, f.openErr
	}
	f.opened = append(f.opened, s)
	return types.ProcedureResponse{ProcedureID: 7, SubjectID: 3, Channels: []string{"Ch1"}}, nil
}

func (f *fakeProcedures) StopWorkers(context.Context) error {
	f.stopped++
	return nil
}

func (f *fakeProcedures) SetRecording(_ context.Context, req types.RecordingRequest) (types.RecordingResponse, error) {
	f.recording = append(f.recording, req)
	return types.RecordingResponse{Recording: req.On, FileName: "030124_S1_STN_cfg"}, nil
}

func (f *fakeProcedures) ProcedureID() int64 { return 7 }

type fixture struct {
	store   *memstore.Store
	bus     *bus.MemoryBus
	mirror  *cache.MemoryMirror
	server  *Server
	handler http.Handler
	procID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	subjectID, err := store.FindOrCreateSubject(ctx, &database.Subject{ExternalID: "S1"})
	require.NoError(t, err)
	procID, err := store.FindOrCreateProcedure(ctx, &database.Procedure{
		SubjectID:  subjectID,
		TargetName: "STN",
		Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateChannels(ctx, procID, []database.Channel{
		{Label: "A", SourceID: 1, SampleRate: 1000, Gain: 0.25},
		{Label: "B", SourceID: 2, SampleRate: 1000, Gain: 0.5},
	}))

	b := bus.NewMemoryBus(16)
	mirror := cache.NewMemoryMirror()
	s := NewServer(store, b, mirror, realtime.NewBroker(), metrics.New())
	return &fixture{store: store, bus: b, mirror: mirror, server: s, handler: s.Handler(), procID: procID}
}

func (f *fixture) saveSegment(t *testing.T, depthUM int64) int64 {
	t.Helper()
	data, err := models.EncodeSamples([][]int16{{1, 2, 3, 4}, {10, -20, 30, -40}})
	require.NoError(t, err)
	id, err := f.store.SaveSegment(context.Background(), &database.Segment{
		ProcedureID: f.procID,
		Depth:       float64(depthUM) / 1000,
		DepthUM:     depthUM,
		SampleRate:  1000,
		NChannels:   2,
		NSamples:    4,
		Data:        data,
		Validity:    pq.BoolArray{true, false},
		Labels:      pq.StringArray{"A", "B"},
		Gains:       pq.Float64Array{0.25, 0.5},
	}, false)
	require.NoError(t, err)
	return id
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.server.SetProcedureService(&fakeProcedures{})

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(7), resp.ProcedureID)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChannelsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/procedures/%d/channels", f.procID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var channels []database.Channel
	decode(t, rec, &channels)
	require.Len(t, channels, 2)
	assert.Equal(t, "A", channels[0].Label)
	assert.Equal(t, 1, channels[1].Position)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/procedures/999/channels", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/procedures/abc/channels", "").Code)
}

func TestSegmentsCursor(t *testing.T) {
	f := newFixture(t)
	first := f.saveSegment(t, -1000)
	second := f.saveSegment(t, -500)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/procedures/%d/segments", f.procID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.SegmentsResponse
	decode(t, rec, &resp)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, first, resp.Segments[0].ID)
	assert.Equal(t, -1.0, resp.Segments[0].Depth)
	assert.Equal(t, []bool{true, false}, resp.Segments[0].Validity)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/procedures/%d/segments?gt=%d", f.procID, first), "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = types.SegmentsResponse{}
	decode(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, second, resp.Segments[0].ID)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/procedures/%d/segments?gt=-3", f.procID), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSegmentRaw(t *testing.T) {
	f := newFixture(t)
	id := f.saveSegment(t, -1000)

	tests := []struct {
		name   string
		query  string
		code   int
		label  string
		values []float64
	}{
		{"raw units", "channel=B", http.StatusOK, "B", []float64{10, -20, 30, -40}},
		{"microvolts", "channel=B&uv=1", http.StatusOK, "B", []float64{5, -10, 15, -20}},
		{"channel number", "channel=1&uv=true", http.StatusOK, "A", []float64{0.25, 0.5, 0.75, 1}},
		{"unknown label", "channel=Z", http.StatusNotFound, "", nil},
		{"missing channel", "", http.StatusBadRequest, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/segments/%d/raw?%s", id, tt.query), "")
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			var resp types.RawResponse
			decode(t, rec, &resp)
			assert.Equal(t, tt.label, resp.Label)
			assert.InDeltaSlice(t, tt.values, resp.Values, 1e-9)
		})
	}

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/segments/999/raw?channel=A", "").Code)
}

func TestSegmentRawHighpass(t *testing.T) {
	f := newFixture(t)
	id := f.saveSegment(t, -1000)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/segments/%d/raw?channel=A&highpass=1", id), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.RawResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Highpass)
	assert.Len(t, resp.Values, 4)
}

func TestSegmentFeatures(t *testing.T) {
	f := newFixture(t)
	id := f.saveSegment(t, -1000)
	_, err := f.store.SaveFeatures(context.Background(), []database.Feature{
		{SegmentID: id, ChannelIndex: 0, Kind: "NoiseRMS", Payload: models.EncodePayload([]float64{12.5}), PayloadLen: 1, IsGood: true},
		{SegmentID: id, ChannelIndex: 1, Kind: "NoiseRMS", Payload: models.EncodePayload([]float64{7}), PayloadLen: 1},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/segments/%d/features", id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.FeaturesResponse
	decode(t, rec, &resp)
	rows := resp.Kinds["NoiseRMS"]
	require.Len(t, rows, 2)
	assert.Equal(t, []float64{12.5}, rows[0].Values)
	assert.True(t, rows[0].IsGood)
	assert.False(t, rows[1].IsGood)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/segments/%d/features?kind=PAC", id), "")
	resp = types.FeaturesResponse{}
	decode(t, rec, &resp)
	assert.Empty(t, resp.Kinds)
}

func TestChannelSelectPublishesAndMirrors(t *testing.T) {
	f := newFixture(t)
	sub, err := f.bus.Subscribe(context.Background(), bus.TopicChannelSelect)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/channel_select", "").Code)

	rec := f.do(t, http.MethodPost, "/api/channel_select", `{"channel":2,"label":"B","range":250,"highpass":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msg, ok := sub.Poll()
	require.True(t, ok)
	cs, err := bus.ParseChannelSelect(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "B", cs.Label)

	rec = f.do(t, http.MethodGet, "/api/channel_select", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var mirrored bus.ChannelSelect
	decode(t, rec, &mirrored)
	assert.Equal(t, cs, mirrored)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/channel_select", `{"channel":-1}`).Code)
}

func TestPostFeatures(t *testing.T) {
	f := newFixture(t)
	sub, err := f.bus.Subscribe(context.Background(), bus.TopicFeatures)
	require.NoError(t, err)
	defer sub.Close()

	rec := f.do(t, http.MethodPost, "/api/features", "refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	msg, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, "refresh", string(msg.Payload))

	rec = f.do(t, http.MethodPost, "/api/features", `{"PAC":true,"NoiseRMS":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	msg, ok = sub.Poll()
	require.True(t, ok)
	assert.JSONEq(t, `{"PAC":true,"NoiseRMS":false}`, string(msg.Payload))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/features", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/features", `[1,2]`).Code)
	_, ok = sub.Poll()
	assert.False(t, ok)
}

func TestProcedureControl(t *testing.T) {
	f := newFixture(t)

	body := `{"subject":{"id":"S1"},"procedure":{"target_name":"STN","sampling_group":5}}`
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/procedures", body).Code)

	procs := &fakeProcedures{}
	f.server.SetProcedureService(procs)

	rec := f.do(t, http.MethodPost, "/api/procedures", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp types.ProcedureResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(7), resp.ProcedureID)
	require.Len(t, procs.opened, 1)
	assert.Equal(t, "STN", procs.opened[0].Procedure.TargetName)

	rec = f.do(t, http.MethodPost, "/api/procedures", `{"procedure":{"sampling_rate":30000}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, procs.opened, 1)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/procedures/stop", "").Code)
	assert.Equal(t, 1, procs.stopped)

	rec = f.do(t, http.MethodPost, "/api/recording", `{"on":true,"comment":"pass 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var rr types.RecordingResponse
	decode(t, rec, &rr)
	assert.True(t, rr.Recording)
	require.Len(t, procs.recording, 1)
	assert.Equal(t, "pass 1", procs.recording[0].Comment)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/recording", `not json`).Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/api/features", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
