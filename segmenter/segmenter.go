// Package segmenter turns the depth stream and the continuous signal into one
// stored Segment per depth visited while the device is recording.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"open-mer/bus"
	"open-mer/config"
	"open-mer/database"
	models "open-mer/database/models_pkg"
	"open-mer/errs"
	"open-mer/handlers"
	"open-mer/helpers"
	"open-mer/metrics"
	"open-mer/notifications"
	"open-mer/signal"
)

const (
	// DefaultTick is the pause between ticks
	DefaultTick = 10 * time.Millisecond
	// MaxWriteAttempts bounds the retries of one segment write
	MaxWriteAttempts = 3
)

// State is the per-depth capture state
type State int

const (
	// Idle waits for a depth, for recording to start, or for the next depth after a commit
	Idle State = iota
	// Delaying discards samples until delay_duration has elapsed
	Delaying
	// Accumulating stores samples until one segment length is buffered
	Accumulating
	// Ready evaluates the trailing window on every tick
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Delaying:
		return "delaying"
	case Accumulating:
		return "accumulating"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Notifier is told about every stored segment
type Notifier interface {
	NotifySegment(ctx context.Context, ev notifications.SegmentEvent)
}

// Options configures a Segmenter
type Options struct {
	Tick     time.Duration
	Defaults config.BufferConfig
	// Groups is the sampling-group rate table
	Groups   []string
	Metrics  *metrics.Metrics
	Notifier Notifier
	Now      func() time.Time
}

type pendingWrite struct {
	seg       *database.Segment
	overwrite bool
	attempts  int
}

// Segmenter is the capture worker. Tick is single-threaded; the accessors may
// be called from other goroutines.
type Segmenter struct {
	id       string
	source   signal.Source
	session  *database.Session
	bus      bus.Bus
	sub      *bus.Subscription
	handlers *handlers.HandlerManager
	metrics  *metrics.Metrics
	notifier Notifier
	tick     time.Duration
	groups   []string
	now      func() time.Time

	mu         sync.Mutex
	settings   Settings
	layout     *layout
	buf        *buffer
	channelIDs []int64
	state      State
	status     bus.Status
	running    bool
	recording  bool
	deviceDown bool

	depth     float64
	depthUM   int64
	haveDepth bool
	// taken is set once a window was committed for the current depth
	taken     bool
	// stored is set once that window reached the Store
	stored    bool
	committed map[int64]bool

	delayCount int
	latch      time.Time
	best       window
	pending    []*pendingWrite
	// carry holds per-channel samples read ahead of the slowest channel
	carry      [][]int16

	done chan bool
}

// New subscribes to procedure_settings and ddu and returns an idle Segmenter
func New(ctx context.Context, source signal.Source, session *database.Session, b bus.Bus, opts Options) (*Segmenter, error) {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Segmenter{
		id:        uuid.NewString(),
		source:    source,
		session:   session,
		bus:       b,
		handlers:  handlers.NewHandlerManager(),
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		tick:      opts.Tick,
		groups:    opts.Groups,
		now:       opts.Now,
		settings:  DefaultSettings(opts.Defaults),
		status:    bus.StatusStartup,
		running:   true,
		committed: make(map[int64]bool),
		done:      make(chan bool, 1),
	}
	s.handlers.Handle(bus.TopicProcedureSettings, s.onSettings)
	s.handlers.Handle(bus.TopicDDU, s.onDepth)

	sub, err := b.Subscribe(ctx, s.handlers.Topics()...)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Start announces the Segmenter and ticks until Stop, ctx cancellation, or a
// running == false settings message
func (s *Segmenter) Start(ctx context.Context) {
	log.Printf("🎙️  Segmenter %s started (tick %v)", s.id[:8], s.tick)
	defer s.sub.Close()

	s.Announce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.Tick(ctx) {
				log.Println("🛑 Segmenter shutting down on request")
				return
			}
		case <-s.done:
			log.Println("🛑 Segmenter stopped")
			return
		case <-ctx.Done():
			log.Println("🛑 Segmenter stopped")
			return
		}
	}
}

// Announce publishes startup followed by refresh so the procedure side re-sends settings
func (s *Segmenter) Announce(ctx context.Context) {
	for _, st := range []bus.Status{bus.StatusStartup, bus.StatusRefresh} {
		if err := bus.PublishStatus(ctx, s.bus, st); err != nil {
			log.Printf("⚠️  Segmenter: publish %s failed: %v", st, err)
		}
	}
	s.metrics.Status(bus.StatusStartup)
}

// Stop ends the loop after the current tick
func (s *Segmenter) Stop() {
	select {
	case s.done <- true:
	default:
	}
}

// Tick handles pending bus messages, drains the device once and performs at
// most one segment write. It returns false once a shutdown message was seen.
func (s *Segmenter) Tick(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers.Drain(s.sub, func(msg bus.Message, err error) {
		s.handleError(ctx, msg.Topic, err)
	})
	if !s.running {
		return false
	}

	s.step(ctx)
	s.flush(ctx)
	s.publishStatus(ctx)
	return true
}

// State returns the capture state
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last published snippet status
func (s *Segmenter) Status() bus.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Settings returns the effective settings
func (s *Segmenter) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// BestValidSum is the valid-sample sum of the best window seen at the current depth
func (s *Segmenter) BestValidSum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best.validSum
}

// BufferShape returns the channel count and capacity of the sample buffer
func (s *Segmenter) BufferShape() (channels, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0, 0
	}
	return len(s.buf.data), s.buf.capacity()
}

// Pending returns the number of segments waiting to be written
func (s *Segmenter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Segmenter) handleError(ctx context.Context, topic string, err error) {
	switch {
	case errs.IsConfiguration(err):
		log.Printf("⚠️  Segmenter: %s rejected, previous configuration kept: %v", topic, err)
		if perr := bus.PublishStatus(ctx, s.bus, bus.StatusRefresh); perr != nil {
			log.Printf("⚠️  Segmenter: publish refresh failed: %v", perr)
		}
	default:
		log.Printf("⚠️  Segmenter: %s message ignored: %v", topic, err)
	}
}

func (s *Segmenter) onSettings(payload []byte) error {
	s.metrics.Received(bus.TopicProcedureSettings)
	msg, err := bus.ParseProcedureSettings(payload)
	if err != nil {
		return err
	}
	if msg.IsShutdown() {
		s.running = false
		return nil
	}
	if msg.Procedure == nil {
		return nil
	}
	return s.apply(s.settings.Merge(msg.Procedure))
}

// apply validates next against the device and swaps it in as a whole
func (s *Segmenter) apply(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ProcedureID == 0 {
		return errs.Config(errs.ErrUnknownProcedure, "segmenter", "apply", "no procedure_id")
	}

	channels, err := s.source.GroupConfig(next.SamplingGroup)
	if err != nil {
		if _, classified := errs.KindOf(err); !classified {
			err = errs.Config(errors.Join(errs.ErrUnknownGroup, err), "segmenter", "GroupConfig", fmt.Sprintf("group %d", next.SamplingGroup))
		}
		return err
	}
	lay, err := newLayout(next, channels, s.groups)
	if err != nil {
		return err
	}
	if err := s.checkChannels(next.ProcedureID, lay); err != nil {
		return err
	}

	procedureChanged := next.ProcedureID != s.settings.ProcedureID || s.session.ProcedureID() != next.ProcedureID
	if procedureChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.session.SelectProcedure(ctx, next.ProcedureID); err != nil {
			return errs.Config(errors.Join(errs.ErrUnknownProcedure, err), "segmenter", "SelectProcedure", fmt.Sprintf("procedure %d", next.ProcedureID))
		}
	}

	reshape := procedureChanged || !lay.sameShape(s.layout)
	s.settings = next
	s.layout = lay
	if !reshape {
		log.Printf("🔄 Segmenter thresholds updated (validity %.2f)", next.ValidityThreshold)
		return nil
	}

	if s.state == Accumulating || s.state == Ready {
		log.Printf("🔄 Segmenter: in-flight segment at %s mm abandoned", helpers.FormatDepth(s.depth))
	}
	s.buf = newBuffer(len(lay.channels), lay.bufferLen)
	s.channelIDs = nil
	if procedureChanged {
		s.committed = make(map[int64]bool)
		s.taken, s.stored = false, false
	}
	s.resetDepth()
	if s.haveDepth && !s.taken {
		s.state = Delaying
	}
	log.Printf("🔄 Segmenter bound to procedure %d, group %d: %d channels at %.0f Hz, %d-sample segments in a %d-sample buffer",
		next.ProcedureID, next.SamplingGroup, len(lay.channels), lay.rate, lay.sampleLen, lay.bufferLen)
	return nil
}

func (s *Segmenter) onDepth(payload []byte) error {
	s.metrics.Received(bus.TopicDDU)
	mm, um, err := helpers.ParseDepth(string(payload))
	if err != nil {
		return errs.Transient(errors.Join(errs.ErrMalformedValue, err), "segmenter", "onDepth", "")
	}
	s.metrics.Depth(mm)

	if s.haveDepth && um == s.depthUM && !s.settings.OverwriteDepth {
		return nil
	}
	if (s.state == Accumulating || s.state == Ready) && s.best.validSum > 0 {
		s.commit(s.best.start)
	}

	s.depth, s.depthUM, s.haveDepth = mm, um, true
	s.taken, s.stored = false, false
	s.resetDepth()

	if s.committed[um] && !s.settings.OverwriteDepth {
		log.Printf("⚠️  Segmenter: depth %s mm already captured", helpers.FormatDepth(mm))
		s.taken = true
		return nil
	}
	if s.layout != nil {
		s.state = Delaying
	}
	return nil
}

func (s *Segmenter) resetDepth() {
	s.state = Idle
	s.delayCount = 0
	s.best = window{}
	s.carry = nil
	if s.buf != nil {
		s.buf.reset()
	}
}

// step drains the device once and advances the state machine
func (s *Segmenter) step(ctx context.Context) {
	recording, err := s.source.RecordingState()
	if err != nil {
		if !s.deviceDown {
			log.Printf("⚠️  Segmenter: %v", errs.Transient(err, "segmenter", "RecordingState", "treating device as not recording"))
		}
		s.deviceDown = true
		recording = false
	} else if s.deviceDown {
		log.Println("✅ Segmenter: device reachable again")
		s.deviceDown = false
	}

	if recording != s.recording {
		s.recording = recording
		if !recording {
			if s.state != Idle {
				log.Printf("🔄 Segmenter: recording stopped at %s mm, segment abandoned", helpers.FormatDepth(s.depth))
			}
			s.resetDepth()
		} else if s.haveDepth && !s.taken && s.layout != nil {
			s.resetDepth()
			s.state = Delaying
		}
	}

	chunks, err := s.source.ContinuousData()
	if err != nil {
		if !errors.Is(err, errs.ErrNoData) && !s.deviceDown {
			log.Printf("⚠️  Segmenter: %v", errs.Transient(err, "segmenter", "ContinuousData", "tick skipped"))
		}
		return
	}
	if s.layout == nil || !recording || s.state == Idle {
		return
	}
	rows, n := s.align(chunks)
	if n == 0 {
		return
	}

	from := 0
	if s.state == Delaying {
		s.delayCount += n
		if s.delayCount < s.layout.delayLen {
			return
		}
		overflow := s.delayCount - s.layout.delayLen
		s.latch = s.now().Add(-seconds(float64(overflow) / s.layout.rate))
		s.state = Accumulating
		from = n - overflow
	}

	s.buf.append(rows, from, n-from)
	if s.buf.idx >= s.layout.sampleLen {
		s.state = Ready
		s.evaluate()
	}
}

// align groups chunks by channel behind the samples carried from earlier
// ticks. It returns the prefix every channel has and carries the rest.
func (s *Segmenter) align(chunks []signal.Chunk) ([][]int16, int) {
	l := s.layout
	if len(s.carry) != len(l.channels) {
		s.carry = make([][]int16, len(l.channels))
	}
	rows := make([][]int16, len(l.channels))
	for i := range rows {
		rows[i] = s.carry[i]
	}
	for _, c := range chunks {
		if i, ok := l.sourceIdx[c.SourceID]; ok {
			rows[i] = append(rows[i], c.Samples...)
		}
	}

	n := len(rows[0])
	for _, r := range rows {
		n = min(n, len(r))
	}
	lag := 0
	for _, r := range rows {
		lag = max(lag, len(r)-n)
	}
	if lag > l.bufferLen {
		log.Printf("⚠️  Segmenter: %v", errs.Transient(errs.ErrNoData, "segmenter", "align",
			fmt.Sprintf("a channel lags by more than %d samples, resynchronising", l.bufferLen)))
		s.resetDepth()
		if s.haveDepth && !s.taken {
			s.state = Delaying
		}
		return nil, 0
	}

	for i, r := range rows {
		s.carry[i] = append([]int16(nil), r[n:]...)
		rows[i] = r[:n]
	}
	return rows, n
}

// evaluate considers the trailing window and commits when it is good enough
// or when the buffer has no room left
func (s *Segmenter) evaluate() {
	l := s.layout
	start := s.buf.idx - l.sampleLen
	counts := s.buf.counts(start, l.sampleLen)

	sum, good := 0, true
	for ch, c := range counts {
		sum += c
		if float64(c) < l.minValid[ch] {
			good = false
		}
	}
	if sum > s.best.validSum {
		s.best = window{start: start, validSum: sum}
	}

	switch {
	case good:
		s.commit(start)
	case s.buf.full() && s.best.validSum > 0:
		s.commit(s.best.start)
	case s.buf.full():
		log.Printf("⚠️  Segmenter: %v", errs.Saturation("segmenter", "evaluate",
			fmt.Sprintf("every window at %s mm saturated, committing the last one", helpers.FormatDepth(s.depth))))
		s.commit(start)
	}
}

// commit takes the window at start and queues it for the Store
func (s *Segmenter) commit(start int) {
	l := s.layout
	counts := s.buf.counts(start, l.sampleLen)
	data, err := models.EncodeSamples(s.buf.slice(start, l.sampleLen))
	if err != nil {
		log.Printf("❌ Segmenter: encode segment: %v", err)
		return
	}

	validity := make([]bool, len(counts))
	labels := make([]string, len(counts))
	gains := make([]float64, len(counts))
	isGood := true
	for ch, c := range counts {
		validity[ch] = float64(c) >= l.minValid[ch]
		isGood = isGood && validity[ch]
		labels[ch] = l.channels[ch].Label
		gains[ch] = l.channels[ch].Gain
	}

	seg := &database.Segment{
		ProcedureID: s.settings.ProcedureID,
		Depth:       s.depth,
		DepthUM:     s.depthUM,
		StartTime:   s.latch.Add(seconds(float64(start) / l.rate)),
		StopTime:    s.now(),
		SampleRate:  l.rate,
		NChannels:   len(counts),
		NSamples:    l.sampleLen,
		Data:        data,
		Validity:    validity,
		Labels:      labels,
		ChannelIDs:  s.lookupChannelIDs(),
		Gains:       gains,
		IsGood:      isGood,
	}
	s.pending = append(s.pending, &pendingWrite{seg: seg, overwrite: s.settings.OverwriteDepth})
	s.taken = true
	s.state = Idle
	s.buf.reset()
}

// checkChannels rejects a layout whose labels are missing from the
// procedure's stored channel set. A procedure without channels accepts any.
func (s *Segmenter) checkChannels(procedureID int64, lay *layout) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	existing, err := s.session.Store().ListChannels(ctx, procedureID)
	if err != nil || len(existing) == 0 {
		return nil
	}
	known := make(map[string]bool, len(existing))
	for _, ch := range existing {
		known[ch.Label] = true
	}
	var missing []string
	for _, ch := range lay.channels {
		if !known[ch.Label] {
			missing = append(missing, ch.Label)
		}
	}
	if len(missing) > 0 {
		return errs.Config(errs.ErrUnknownChannel, "segmenter", "apply",
			fmt.Sprintf("procedure %d has no channels %v", procedureID, missing))
	}
	return nil
}

// lookupChannelIDs maps the layout's labels to stored channel ids, creating
// the procedure's channels from the group when it has none
func (s *Segmenter) lookupChannelIDs() []int64 {
	if len(s.channelIDs) == len(s.layout.channels) {
		return append([]int64(nil), s.channelIDs...)
	}
	ids := make([]int64, len(s.layout.channels))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := s.session.Store()
	procID := s.settings.ProcedureID

	existing, err := store.ListChannels(ctx, procID)
	if err == nil && len(existing) == 0 {
		rows := make([]database.Channel, len(s.layout.channels))
		for i, ch := range s.layout.channels {
			rows[i] = database.Channel{
				Label:      ch.Label,
				SourceID:   ch.SourceID,
				SampleRate: s.layout.rate,
				Gain:       ch.Gain,
				Threshold:  float64(ch.Threshold),
				Validity:   s.layout.minValid[i] / float64(s.layout.sampleLen),
			}
		}
		if err = store.CreateChannels(ctx, procID, rows); err == nil {
			existing, err = store.ListChannels(ctx, procID)
		}
	}
	if err != nil {
		log.Printf("⚠️  Segmenter: channel ids unavailable for procedure %d: %v", procID, err)
		return ids
	}

	byLabel := make(map[string]int64, len(existing))
	for _, ch := range existing {
		byLabel[ch.Label] = ch.ID
	}
	var missing []string
	for i, ch := range s.layout.channels {
		id, ok := byLabel[ch.Label]
		if !ok {
			missing = append(missing, ch.Label)
		}
		ids[i] = id
	}
	if len(missing) > 0 {
		log.Printf("⚠️  Segmenter: %v", errs.Config(errs.ErrUnknownChannel, "segmenter", "lookupChannelIDs",
			fmt.Sprintf("procedure %d has no channels %v", procID, missing)))
		return ids
	}
	s.channelIDs = ids
	return append([]int64(nil), ids...)
}

// flush attempts the oldest queued write
func (s *Segmenter) flush(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	pw := s.pending[0]
	pw.attempts++
	seg := pw.seg

	id, err := s.session.Store().SaveSegment(ctx, seg, pw.overwrite)
	switch {
	case err == nil:
		s.pending = s.pending[1:]
		s.committed[seg.DepthUM] = true
		if seg.ProcedureID == s.settings.ProcedureID && seg.DepthUM == s.depthUM && s.taken {
			s.stored = true
		}
		s.metrics.SegmentCommitted()
		log.Printf("✅ Segment %d stored at %s mm (good: %v)", id, helpers.FormatDepth(seg.Depth), seg.IsGood)
		if s.notifier != nil {
			s.notifier.NotifySegment(ctx, notifications.SegmentEvent{
				SegmentID:   id,
				ProcedureID: seg.ProcedureID,
				Depth:       seg.Depth,
				IsGood:      seg.IsGood,
				Validity:    append([]bool(nil), seg.Validity...),
			})
		}

	case errors.Is(err, database.ErrDepthExists):
		s.pending = s.pending[1:]
		s.committed[seg.DepthUM] = true
		s.metrics.SegmentDropped("exists")
		log.Printf("⚠️  Segmenter: depth %s mm already stored, segment dropped", helpers.FormatDepth(seg.Depth))

	case pw.attempts >= MaxWriteAttempts:
		s.pending = s.pending[1:]
		s.metrics.SegmentDropped("store")
		log.Printf("❌ Segmenter: %v", database.AsStoreError(err, "segmenter", "SaveSegment"))

	default:
		log.Printf("⚠️  Segmenter: segment write attempt %d/%d failed, retrying: %v", pw.attempts, MaxWriteAttempts, err)
	}
}

func (s *Segmenter) currentStatus() bus.Status {
	if s.layout == nil || !s.recording {
		return bus.StatusNotRecording
	}
	switch s.state {
	case Delaying, Accumulating, Ready:
		return bus.StatusAccumulating
	}
	if s.stored {
		return bus.StatusDone
	}
	if s.taken && len(s.pending) > 0 {
		return bus.StatusAccumulating
	}
	return bus.StatusNotRecording
}

func (s *Segmenter) publishStatus(ctx context.Context) {
	st := s.currentStatus()
	if st == s.status {
		return
	}
	if err := bus.PublishStatus(ctx, s.bus, st); err != nil {
		log.Printf("⚠️  Segmenter: publish %s failed: %v", st, err)
		return
	}
	s.status = st
	s.metrics.Status(st)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
