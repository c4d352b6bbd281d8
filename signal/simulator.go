package signal

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"open-mer/errs"
)

// SimOptions configures the simulated device
type SimOptions struct {
	Group      int
	SampleRate float64
	Labels     []string
	// Gain in microvolts per unit, 0.25 when zero
	Gain float64
	// Sigma is the noise standard deviation in raw units, 400 when zero
	Sigma float64
	// SpikeRate per channel in Hz
	SpikeRate float64
	Seed      int64
	Recording bool
	// MaxBuffer bounds how much the device keeps between reads, 1 s when zero
	MaxBuffer time.Duration
	Now       func() time.Time
}

// Simulator is a Source producing Gaussian noise with sparse spikes at wall-clock rate
type Simulator struct {
	mu        sync.Mutex
	opts      SimOptions
	rng       *rand.Rand
	last      time.Time
	carry     float64
	recording bool
	comments  []Comment
	file      FileInfo
}

// NewSimulator creates a simulated device
func NewSimulator(opts SimOptions) *Simulator {
	if opts.Gain == 0 {
		opts.Gain = 0.25
	}
	if opts.Sigma == 0 {
		opts.Sigma = 400
	}
	if opts.SpikeRate == 0 {
		opts.SpikeRate = 20
	}
	if opts.MaxBuffer == 0 {
		opts.MaxBuffer = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulator{
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		last:      opts.Now(),
		recording: opts.Recording,
	}
}

// ContinuousData implements Source
func (s *Simulator) ContinuousData() ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	elapsed := now.Sub(s.last)
	s.last = now
	if elapsed > s.opts.MaxBuffer {
		elapsed = s.opts.MaxBuffer
	}
	want := elapsed.Seconds()*s.opts.SampleRate + s.carry
	n := int(math.Floor(want))
	s.carry = want - float64(n)
	if n <= 0 {
		return nil, nil
	}

	spikeP := s.opts.SpikeRate / s.opts.SampleRate
	chunks := make([]Chunk, len(s.opts.Labels))
	for ch := range chunks {
		samples := make([]int16, n)
		for i := range samples {
			v := s.opts.Sigma * s.rng.NormFloat64()
			if s.rng.Float64() < spikeP {
				v -= 8 * s.opts.Sigma
			}
			samples[i] = clip(v)
		}
		chunks[ch] = Chunk{SourceID: ch + 1, Samples: samples}
	}
	return chunks, nil
}

func clip(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// GroupConfig implements Source. Only the configured group has channels.
func (s *Simulator) GroupConfig(group int) ([]ChannelInfo, error) {
	if group != s.opts.Group {
		return nil, errs.Config(errs.ErrUnknownGroup, "simulator", "GroupConfig", "group not sampled")
	}
	out := make([]ChannelInfo, len(s.opts.Labels))
	for i, label := range s.opts.Labels {
		out[i] = ChannelInfo{
			SourceID:   i + 1,
			Label:      label,
			SampleRate: s.opts.SampleRate,
			Gain:       s.opts.Gain,
			Unit:       "uV",
			Threshold:  int(-4.5 * s.opts.Sigma),
		}
	}
	return out, nil
}

// RecordingState implements Source
func (s *Simulator) RecordingState() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording, nil
}

// SetRecording implements Source
func (s *Simulator) SetRecording(on bool, info FileInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = on
	if on {
		s.file = info
	}
	return nil
}

// File returns the file info of the last recording started
func (s *Simulator) File() FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

// Comments implements Source
func (s *Simulator) Comments() ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Comment(nil), s.comments...), nil
}

// AddComment implements Source
func (s *Simulator) AddComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, Comment{Time: s.opts.Now(), Text: strings.TrimSpace(text)})
	return nil
}

// Close implements Source
func (s *Simulator) Close() error {
	return nil
}
