package depth

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/bus"
	"open-mer/config"
	"open-mer/errs"
	"open-mer/signal"
)

// fakePort replays canned output and records what was written
type fakePort struct {
	r       io.Reader
	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func shortHandshake(t *testing.T) {
	prev := handshakeTimeout
	handshakeTimeout = 50 * time.Millisecond
	t.Cleanup(func() { handshakeTimeout = prev })
}

func readEventually(t *testing.T, r Reader) (float64, error) {
	t.Helper()
	var (
		v   float64
		err error
	)
	require.Eventually(t, func() bool {
		var ok bool
		v, ok, err = r.Read()
		return ok || err != nil
	}, time.Second, 5*time.Millisecond)
	return v, err
}

func TestFHCVersion2Handshake(t *testing.T) {
	shortHandshake(t)
	pr, pw := io.Pipe()
	port := &fakePort{r: pr}
	go func() {
		_, _ = io.WriteString(pw, "FHC DDU v2.20\r\nAXON+\r\n")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(pw, "12345\r\n")
	}()

	f, err := NewFHC(port, 0)
	require.NoError(t, err)
	assert.True(t, f.V2())
	scale, offset := f.Calibration()
	assert.Equal(t, V2Scale, scale)
	assert.Equal(t, V2Offset, offset)
	assert.Equal(t, "AXON-\rV\rAXON+\r", port.commands())

	v, err := readEventually(t, f)
	require.NoError(t, err)
	assert.InDelta(t, 12.345, v, 1e-9)

	require.NoError(t, f.Close())
	pw.Close()
	assert.True(t, port.closed)
}

func TestFHCVersion1AndScaleOverride(t *testing.T) {
	shortHandshake(t)
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, "1.10\rOK\r-3.5\r")
	}()
	f, err := NewFHC(&fakePort{r: pr}, 0)
	require.NoError(t, err)
	assert.False(t, f.V2())
	v, err := readEventually(t, f)
	require.NoError(t, err)
	assert.Equal(t, -3.5, v)
	pw.Close()

	pr2, pw2 := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw2, "2.0\nOK\n100\n")
	}()
	f2, err := NewFHC(&fakePort{r: pr2}, 0.01)
	require.NoError(t, err)
	v, err = readEventually(t, f2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)
	pw2.Close()
}

func TestFHCMalformedAndEnded(t *testing.T) {
	shortHandshake(t)
	f, err := NewFHC(&fakePort{r: strings.NewReader("2.1\nOK\nE12\n")}, 0)
	require.NoError(t, err)

	_, err = readEventually(t, f)
	assert.True(t, errs.IsTransient(err))
	assert.ErrorIs(t, err, errs.ErrMalformedValue)

	_, err = readEventually(t, f)
	assert.ErrorIs(t, err, errs.ErrDeviceUnavailable)
}

func TestScanLines(t *testing.T) {
	adv, tok, err := scanLines([]byte("1.0\r\n2"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, adv)
	assert.Equal(t, "1.0", string(tok))

	adv, tok, _ = scanLines([]byte("2"), false)
	assert.Zero(t, adv)
	assert.Nil(t, tok)

	adv, tok, _ = scanLines([]byte("2"), true)
	assert.Equal(t, 1, adv)
	assert.Equal(t, "2", string(tok))
}

func TestCommentReader(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := signal.NewSimulator(signal.SimOptions{Group: 5, SampleRate: 30000, Labels: []string{"A"}, Now: func() time.Time { return clock }})
	r := NewCommentReader(sim)

	_, ok, err := r.Read()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sim.AddComment("DTT:-4.250"))
	require.NoError(t, sim.AddComment("note"))
	v, ok, err := r.Read()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -4.25, v)

	_, ok, _ = r.Read()
	assert.False(t, ok)

	clock = clock.Add(time.Second)
	require.NoError(t, sim.AddComment("DTT:abc"))
	_, _, err = r.Read()
	assert.ErrorIs(t, err, errs.ErrMalformedValue)

	assert.False(t, MirrorsToDevice(r))
}

func TestSimulatedSteps(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSimulated(SimOptions{Start: -10, Step: 0.5, Dwell: time.Second, Now: func() time.Time { return now }})

	v, ok, _ := s.Read()
	require.True(t, ok)
	assert.Equal(t, -10.0, v)
	_, ok, _ = s.Read()
	assert.False(t, ok)

	now = now.Add(2500 * time.Millisecond)
	v, ok, _ = s.Read()
	require.True(t, ok)
	assert.Equal(t, -9.0, v)
	assert.True(t, MirrorsToDevice(s))
}

type scripted struct {
	values []float64
	errs   []error
}

func (s *scripted) Read() (float64, bool, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, false, err
		}
	}
	if len(s.values) == 0 {
		return 0, false, nil
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, true, nil
}

func (s *scripted) Close() error { return nil }

func TestPublisherPublishesOnChange(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(16)
	sub, err := b.Subscribe(ctx, bus.TopicDDU)
	require.NoError(t, err)
	sim := signal.NewSimulator(signal.SimOptions{Group: 5, SampleRate: 30000, Labels: []string{"A"}})

	r := &scripted{values: []float64{-3.5, -3.5001, -3.49, -3.49}}
	p := NewPublisher(r, b, PublisherOptions{Offset: 0.25, Mirror: sim})
	var published []bool
	for i := 0; i < 5; i++ {
		published = append(published, p.Tick(ctx))
	}
	assert.Equal(t, []bool{true, false, true, false, false}, published)

	var got []string
	for _, m := range sub.PollAll() {
		got = append(got, string(m.Payload))
	}
	assert.Equal(t, []string{"-3.250", "-3.240"}, got)
	assert.Equal(t, "-3.240", p.Last())

	comments, err := sim.Comments()
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "DTT:-3.250", comments[0].Text)
}

func TestPublisherSkipsFailedReads(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(16)
	r := &scripted{values: []float64{1}, errs: []error{errs.Transient(errs.ErrNoData, "t", "t", ""), nil}}
	p := NewPublisher(r, b, PublisherOptions{})
	assert.False(t, p.Tick(ctx))
	assert.True(t, p.Tick(ctx))
	assert.Equal(t, "1.000", p.Last())
}

func TestPublisherStartStop(t *testing.T) {
	b := bus.NewMemoryBus(16)
	p := NewPublisher(&scripted{}, b, PublisherOptions{Tick: time.Millisecond})
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestNewReaderFactory(t *testing.T) {
	r, err := New(config.DepthConfig{Source: "simulated", SimStart: -5, SimStep: 0.1, SimDwellMs: 100}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, r)

	_, err = New(config.DepthConfig{Source: "comments"}, nil)
	assert.True(t, errs.IsFatal(err))

	_, err = New(config.DepthConfig{Source: "laser"}, nil)
	assert.True(t, errs.IsFatal(err))
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)
}
