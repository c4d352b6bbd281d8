package depth

import (
	"sync"
	"time"
)

// SimOptions configures a Simulated drive
type SimOptions struct {
	// Start is the first depth, usually negative (above target)
	Start float64
	// Step is added every Dwell
	Step  float64
	Dwell time.Duration
	Now   func() time.Time
}

// Simulated descends in fixed steps, dwelling at each depth
type Simulated struct {
	opts  SimOptions
	mu    sync.Mutex
	began time.Time
	last  int
}

// NewSimulated creates a simulated drive starting now
func NewSimulated(opts SimOptions) *Simulated {
	if opts.Dwell <= 0 {
		opts.Dwell = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulated{opts: opts, began: opts.Now(), last: -1}
}

// Read implements Reader. It reports a value only when the step changes.
func (s *Simulated) Read() (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := int(s.opts.Now().Sub(s.began) / s.opts.Dwell)
	if step == s.last {
		return 0, false, nil
	}
	s.last = step
	return s.opts.Start + float64(step)*s.opts.Step, true, nil
}

// Close implements Reader
func (s *Simulated) Close() error {
	return nil
}
