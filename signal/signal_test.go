package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/config"
	"open-mer/errs"
	"open-mer/websocket"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSimulatorDeliversWallClockSamples(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	sim := NewSimulator(SimOptions{Group: 5, SampleRate: 30000, Labels: []string{"A", "B"}, Seed: 1, Now: clk.now})

	chunks, err := sim.ContinuousData()
	require.NoError(t, err)
	assert.Empty(t, chunks)

	clk.advance(10 * time.Millisecond)
	chunks, err = sim.ContinuousData()
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].SourceID)
	assert.Len(t, chunks[0].Samples, 300)

	// The device buffer holds at most one second
	clk.advance(5 * time.Second)
	chunks, _ = sim.ContinuousData()
	assert.Len(t, chunks[1].Samples, 30000)
}

func TestSimulatorControl(t *testing.T) {
	sim := NewSimulator(SimOptions{Group: 5, SampleRate: 30000, Labels: []string{"A"}})

	channels, err := sim.GroupConfig(5)
	require.NoError(t, err)
	assert.Equal(t, "A", channels[0].Label)
	assert.Equal(t, 0.25, channels[0].Gain)

	_, err = sim.GroupConfig(3)
	assert.True(t, errs.IsConfiguration(err))

	on, _ := sim.RecordingState()
	assert.False(t, on)
	require.NoError(t, sim.SetRecording(true, FileInfo{FileName: "x"}))
	on, _ = sim.RecordingState()
	assert.True(t, on)
	assert.Equal(t, "x", sim.File().FileName)

	require.NoError(t, sim.AddComment(" DTT:-3.500 "))
	comments, _ := sim.Comments()
	require.Len(t, comments, 1)
	assert.Equal(t, "DTT:-3.500", comments[0].Text)
}

func TestGroupRateAndFactory(t *testing.T) {
	groups := config.DefaultSamplingGroups
	rate, err := GroupRate(groups, 5)
	require.NoError(t, err)
	assert.Equal(t, 30000.0, rate)

	_, err = GroupRate(groups, 0)
	assert.True(t, errs.IsConfiguration(err))
	_, err = GroupRate(groups, 9)
	assert.ErrorIs(t, err, errs.ErrUnknownGroup)

	src, err := New(config.SignalConfig{Source: "simulated", SamplingGroups: groups}, 5)
	require.NoError(t, err)
	assert.IsType(t, &Simulator{}, src)

	_, err = New(config.SignalConfig{Source: "nope"}, 5)
	assert.True(t, errs.IsFatal(err))
}

func gatewayServer(t *testing.T) *httptest.Server {
	upgrader := gws.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		status, _ := websocket.EncodeControl(websocket.Control{Op: websocket.OpStatus, Recording: true})
		_ = conn.WriteMessage(gws.BinaryMessage, status)
		_ = conn.WriteMessage(gws.BinaryMessage, websocket.EncodeSampleFrame(websocket.SampleFrame{SourceID: 2, Samples: []int16{5, 6}}))
		_ = conn.WriteMessage(gws.BinaryMessage, websocket.EncodeSampleFrame(websocket.SampleFrame{SourceID: 2, Samples: []int16{7}}))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := websocket.DecodeControl(data[1:])
			if err != nil {
				continue
			}
			resp := websocket.Control{ID: req.ID, Op: req.Op}
			switch req.Op {
			case websocket.OpGroupConfig:
				if req.Group == 5 {
					resp.Channels = []websocket.ChannelSpec{{SourceID: 2, Label: "Ch2", Gain: 0.25, SampleRate: 30000}}
				}
			case websocket.OpComments:
				resp.Comments = []websocket.CommentSpec{{Timestamp: 1, Text: "DTT:-2.000"}}
			}
			out, _ := websocket.EncodeControl(resp)
			_ = conn.WriteMessage(gws.BinaryMessage, out)
		}
	}))
}

func TestGatewaySource(t *testing.T) {
	srv := gatewayServer(t)
	defer srv.Close()

	g, err := DialGateway("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer g.Close()

	var samples []int16
	require.Eventually(t, func() bool {
		chunks, _ := g.ContinuousData()
		for _, c := range chunks {
			samples = append(samples, c.Samples...)
		}
		return len(samples) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int16{5, 6, 7}, samples)

	on, err := g.RecordingState()
	require.NoError(t, err)
	assert.True(t, on)

	channels, err := g.GroupConfig(5)
	require.NoError(t, err)
	assert.Equal(t, "Ch2", channels[0].Label)

	_, err = g.GroupConfig(4)
	assert.True(t, errs.IsConfiguration(err))

	comments, err := g.Comments()
	require.NoError(t, err)
	assert.Equal(t, "DTT:-2.000", comments[0].Text)
	require.NoError(t, g.AddComment("DTT:-1.000"))
}

func TestGatewayUnavailable(t *testing.T) {
	g, err := DialGateway("ws://127.0.0.1:1/ws")
	require.NoError(t, err)
	defer g.Close()

	_, err = g.RecordingState()
	assert.True(t, errs.IsTransient(err))
	chunks, err := g.ContinuousData()
	assert.NoError(t, err)
	assert.Empty(t, chunks)
}
