package features

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"open-mer/bus"
	"open-mer/database"
	models "open-mer/database/models_pkg"
	"open-mer/dsp"
	"open-mer/errs"
	"open-mer/handlers"
	"open-mer/metrics"
)

// DefaultInterval is the pause between passes
const DefaultInterval = 250 * time.Millisecond

// Options configures an Engine
type Options struct {
	Interval time.Duration
	// Defaults is the enable map used until procedure_settings carries one
	Defaults bus.FeatureMap
	// ProcedureID is bound at startup when non-zero
	ProcedureID int64
	// Wake triggers an immediate pass, typically from the store's insert notifications
	Wake    <-chan database.SegmentEvent
	Metrics *metrics.Metrics
}

// Engine computes the enabled feature kinds for every segment of the selected procedure
type Engine struct {
	id       string
	session  *database.Session
	bus      bus.Bus
	sub      *bus.Subscription
	handlers *handlers.HandlerManager
	metrics  *metrics.Metrics
	interval time.Duration
	wake     <-chan database.SegmentEvent

	mu       sync.Mutex
	enabled  []Definition
	cursor   int64
	lastDone int64
	pending  []int64
	failed   map[int64][]Kind
	running  bool

	done chan bool
}

// NewEngine subscribes to procedure_settings and features and returns an idle engine
func NewEngine(ctx context.Context, session *database.Session, b bus.Bus, opts Options) (*Engine, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	e := &Engine{
		id:       uuid.NewString(),
		session:  session,
		bus:      b,
		handlers: handlers.NewHandlerManager(),
		metrics:  opts.Metrics,
		interval: opts.Interval,
		wake:     opts.Wake,
		failed:   make(map[int64][]Kind),
		running:  true,
		done:     make(chan bool, 1),
	}
	e.handlers.Handle(bus.TopicProcedureSettings, e.onSettings)
	e.handlers.Handle(bus.TopicFeatures, e.onFeatures)
	sub, err := b.Subscribe(ctx, e.handlers.Topics()...)
	if err != nil {
		return nil, err
	}
	e.sub = sub
	e.applyEnableMap(opts.Defaults)

	if opts.ProcedureID != 0 {
		if _, err := session.SelectProcedure(ctx, opts.ProcedureID); err != nil {
			log.Printf("⚠️  Feature engine: procedure %d not bound: %v", opts.ProcedureID, err)
		}
	}
	return e, nil
}

// Start runs passes until Stop, ctx cancellation, or a running == false settings message
func (e *Engine) Start(ctx context.Context) {
	log.Printf("🧮 Feature engine %s started (interval %v)", e.id[:8], e.interval)
	defer e.sub.Close()

	if err := bus.PublishFeatures(ctx, e.bus, nil); err != nil {
		log.Printf("⚠️  Feature engine: refresh request failed: %v", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.wake:
		case <-e.done:
			log.Println("🛑 Feature engine stopped")
			return
		case <-ctx.Done():
			log.Println("🛑 Feature engine stopped")
			return
		}
		if !e.Tick(ctx) {
			log.Println("🛑 Feature engine shutting down on request")
			return
		}
	}
}

// Stop ends the loop after the current tick
func (e *Engine) Stop() {
	select {
	case e.done <- true:
	default:
	}
}

// Tick polls the bus and processes at most one segment. It returns false once
// a shutdown message was seen.
func (e *Engine) Tick(ctx context.Context) bool {
	e.handlers.Drain(e.sub, func(msg bus.Message, err error) {
		log.Printf("⚠️  Feature engine: %s message ignored: %v", msg.Topic, err)
	})
	if !e.Running() {
		return false
	}
	if _, err := e.RunOnce(ctx); err != nil {
		log.Printf("⚠️  Feature engine pass: %v", err)
	}
	return true
}

// Running reports whether a shutdown has been requested
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Failed returns the kinds that failed for a segment during this run
func (e *Engine) Failed(segmentID int64) []Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Kind(nil), e.failed[segmentID]...)
}

// LastDone is the highest segment id below which every segment is complete
func (e *Engine) LastDone() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDone
}

// Enabled returns the enabled kinds in evaluation order
func (e *Engine) Enabled() []Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Kind, len(e.enabled))
	for i, d := range e.enabled {
		out[i] = d.Kind
	}
	return out
}

func (e *Engine) onSettings(payload []byte) error {
	e.metrics.Received(bus.TopicProcedureSettings)
	settings, err := bus.ParseProcedureSettings(payload)
	if err != nil {
		return err
	}
	if settings.IsShutdown() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil
	}

	if settings.Procedure != nil && settings.Procedure.ProcedureID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.session.SelectProcedure(ctx, settings.Procedure.ProcedureID); err != nil {
			return errs.Config(errors.Join(errs.ErrUnknownProcedure, err), "features", "SelectProcedure", "previous procedure kept")
		}
		log.Printf("🔄 Feature engine bound to procedure %d", settings.Procedure.ProcedureID)
	}
	if settings.Features != nil {
		e.applyEnableMap(settings.Features)
	}
	e.reset()
	return nil
}

func (e *Engine) onFeatures(payload []byte) error {
	e.metrics.Received(bus.TopicFeatures)
	refresh, enabled, err := bus.ParseFeaturesMessage(payload)
	if err != nil || refresh {
		return err
	}
	e.applyEnableMap(enabled)
	e.reset()
	return nil
}

func (e *Engine) applyEnableMap(m bus.FeatureMap) {
	var defs []Definition
	var names []string
	for _, name := range m.Enabled() {
		d, ok := Lookup(name)
		if !ok {
			log.Printf("⚠️  Feature engine: unknown feature kind %q skipped", name)
			continue
		}
		defs = append(defs, d)
		names = append(names, name)
	}
	e.mu.Lock()
	e.enabled = defs
	e.mu.Unlock()
	e.session.SelectFeatureKinds(names)
}

// reset restarts discovery from the first segment of the procedure
func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = 0
	e.lastDone = 0
	e.pending = nil
	e.failed = make(map[int64][]Kind)
}

// RunOnce lists new segments and processes the first pending one. It reports
// whether a segment was processed.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	if e.session.ProcedureID() == 0 {
		return false, nil
	}

	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()

	ids, err := e.session.SegmentIDsAfter(ctx, cursor)
	if err != nil {
		return false, database.AsStoreError(err, "features", "SegmentIDsAfter")
	}

	e.mu.Lock()
	for _, id := range ids {
		e.pending = append(e.pending, id)
		e.cursor = id
	}
	var next int64
	for _, id := range e.pending {
		if len(e.failed[id]) == 0 {
			next = id
			break
		}
	}
	kinds := append([]Definition(nil), e.enabled...)
	e.advance()
	e.mu.Unlock()

	if next == 0 {
		return false, nil
	}

	complete, err := e.processSegment(ctx, next, kinds)

	e.mu.Lock()
	defer e.mu.Unlock()
	if complete || database.IsNotFound(err) {
		// Overwritten segments disappear between listing and loading
		for i, id := range e.pending {
			if id == next {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
	}
	e.advance()
	return true, err
}

// advance sets lastDone below the oldest incomplete segment. Callers hold mu.
func (e *Engine) advance() {
	if len(e.pending) == 0 {
		e.lastDone = e.cursor
		return
	}
	e.lastDone = e.pending[0] - 1
}

// processSegment inserts the missing rows of every enabled kind and reports
// whether all of them are present afterwards
func (e *Engine) processSegment(ctx context.Context, segmentID int64, kinds []Definition) (bool, error) {
	existing, err := e.session.ListFeatures(ctx, segmentID)
	if err != nil {
		return false, database.AsStoreError(err, "features", "ListFeatures")
	}

	var seg *database.Segment
	load := func() error {
		if seg != nil {
			return nil
		}
		var err error
		seg, err = e.session.Store().GetSegment(ctx, segmentID)
		return err
	}

	var firstErr error
	complete := true
	for _, def := range kinds {
		if err := load(); err != nil {
			return false, database.AsStoreError(err, "features", "GetSegment")
		}
		if len(existing[string(def.Kind)]) >= seg.NChannels {
			continue
		}

		if err := e.computeKind(ctx, seg, def); err != nil {
			e.mu.Lock()
			e.failed[segmentID] = append(e.failed[segmentID], def.Kind)
			e.mu.Unlock()
			e.metrics.FeatureFailed(string(def.Kind))
			log.Printf("❌ Feature %s failed for segment %d: %v", def.Kind, segmentID, err)
			complete = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return complete, firstErr
}

func (e *Engine) computeKind(ctx context.Context, seg *database.Segment, def Definition) error {
	started := time.Now()
	rows := make([]database.Feature, 0, seg.NChannels)
	for ch := 0; ch < seg.NChannels; ch++ {
		raw, err := seg.Row(ch)
		if err != nil {
			return err
		}
		values, err := def.Run(dsp.Scale(raw, seg.Gain(ch)), seg.SampleRate)
		if err != nil {
			return err
		}
		good := ch < len(seg.Validity) && seg.Validity[ch]
		rows = append(rows, database.Feature{
			SegmentID:    seg.ID,
			ChannelIndex: ch,
			Kind:         string(def.Kind),
			Payload:      models.EncodePayload(values),
			PayloadLen:   len(values),
			IsGood:       good,
		})
	}

	inserted, err := e.session.SaveFeatures(ctx, rows)
	if err != nil {
		return database.AsStoreError(err, "features", "SaveFeatures")
	}
	e.metrics.FeatureComputed(string(def.Kind), inserted, time.Since(started))
	return nil
}
