package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"open-mer/errs"
	"open-mer/websocket"
)

const (
	requestTimeout = 2 * time.Second
	// maxBuffered bounds the samples kept per channel between reads
	maxBuffered = 30000 * 10
)

// Gateway is a Source backed by the websocket device gateway
type Gateway struct {
	cm     *websocket.ConnectionManager
	cancel context.CancelFunc

	mu        sync.Mutex
	buffers   map[int][]int16
	order     []int
	recording bool
	known     bool
}

// DialGateway connects to the gateway at url and starts reading in the background.
// A failed first dial is retried by the reader; calls return transient errors until connected.
func DialGateway(url string) (*Gateway, error) {
	g := &Gateway{buffers: make(map[int][]int16)}
	g.cm = websocket.NewConnectionManager(url, "open-mer", g.onSamples, g.onStatus)

	if err := g.cm.Connect(); err != nil {
		log.Printf("⚠️  %v, will keep retrying", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.cm.Run(ctx)
	go g.cm.RunHealthMonitor(ctx, 30*time.Second)
	return g, nil
}

func (g *Gateway) onSamples(f websocket.SampleFrame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf, ok := g.buffers[f.SourceID]
	if !ok {
		g.order = append(g.order, f.SourceID)
	}
	buf = append(buf, f.Samples...)
	if len(buf) > maxBuffered {
		buf = buf[len(buf)-maxBuffered:]
	}
	g.buffers[f.SourceID] = buf
}

func (g *Gateway) onStatus(c websocket.Control) {
	if c.Op != websocket.OpStatus {
		return
	}
	g.mu.Lock()
	g.recording = c.Recording
	g.known = true
	g.mu.Unlock()
}

func (g *Gateway) unavailable(op string) error {
	return errs.Transient(errs.ErrDeviceUnavailable, "gateway", op, "gateway not connected")
}

func (g *Gateway) request(op string, msg websocket.Control) (websocket.Control, error) {
	if !g.cm.Connected() {
		return websocket.Control{}, g.unavailable(op)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := g.cm.Request(ctx, msg)
	if err != nil {
		return resp, errs.Transient(err, "gateway", op, "")
	}
	return resp, nil
}

// ContinuousData implements Source
func (g *Gateway) ContinuousData() ([]Chunk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Chunk
	for _, id := range g.order {
		if buf := g.buffers[id]; len(buf) > 0 {
			out = append(out, Chunk{SourceID: id, Samples: buf})
			g.buffers[id] = nil
		}
	}
	return out, nil
}

// GroupConfig implements Source
func (g *Gateway) GroupConfig(group int) ([]ChannelInfo, error) {
	resp, err := g.request("GroupConfig", websocket.Control{Op: websocket.OpGroupConfig, Group: group})
	if err != nil {
		return nil, err
	}
	if len(resp.Channels) == 0 {
		return nil, errs.Config(errs.ErrUnknownGroup, "gateway", "GroupConfig", fmt.Sprintf("group %d has no channels", group))
	}
	out := make([]ChannelInfo, len(resp.Channels))
	for i, c := range resp.Channels {
		out[i] = ChannelInfo{
			SourceID:   c.SourceID,
			Label:      c.Label,
			SampleRate: c.SampleRate,
			Gain:       c.Gain,
			Unit:       c.Unit,
			Threshold:  c.Threshold,
		}
	}
	return out, nil
}

// RecordingState implements Source. Status pushes keep the cached state current.
func (g *Gateway) RecordingState() (bool, error) {
	g.mu.Lock()
	recording, known := g.recording, g.known
	g.mu.Unlock()
	if !g.cm.Connected() {
		return false, g.unavailable("RecordingState")
	}
	if known {
		return recording, nil
	}

	resp, err := g.request("RecordingState", websocket.Control{Op: websocket.OpRecordingState})
	if err != nil {
		return false, err
	}
	g.onStatus(websocket.Control{Op: websocket.OpStatus, Recording: resp.Recording})
	return resp.Recording, nil
}

// SetRecording implements Source
func (g *Gateway) SetRecording(on bool, info FileInfo) error {
	_, err := g.request("SetRecording", websocket.Control{
		Op:       websocket.OpSetRecording,
		On:       on,
		FileName: info.FileName,
		Comment:  info.Comment,
		Patient:  []string{info.Patient.First, info.Patient.Middle, info.Patient.Last},
	})
	if err != nil {
		return err
	}
	g.onStatus(websocket.Control{Op: websocket.OpStatus, Recording: on})
	return nil
}

// Comments implements Source
func (g *Gateway) Comments() ([]Comment, error) {
	resp, err := g.request("Comments", websocket.Control{Op: websocket.OpComments})
	if err != nil {
		return nil, err
	}
	out := make([]Comment, len(resp.Comments))
	for i, c := range resp.Comments {
		out[i] = Comment{Time: time.Unix(0, int64(c.Timestamp)), Text: c.Text}
	}
	return out, nil
}

// AddComment implements Source
func (g *Gateway) AddComment(text string) error {
	_, err := g.request("AddComment", websocket.Control{Op: websocket.OpAddComment, Text: text})
	return err
}

// Close implements Source
func (g *Gateway) Close() error {
	g.cancel()
	return g.cm.Close()
}
