package depth

import (
	"context"
	"log"
	"time"

	"open-mer/bus"
	"open-mer/helpers"
	"open-mer/metrics"
	"open-mer/signal"
)

// DefaultTick is the pause between reads
const DefaultTick = 10 * time.Millisecond

// PublisherOptions configures a Publisher
type PublisherOptions struct {
	Tick time.Duration
	// Offset is added to every reading before formatting
	Offset float64
	// Mirror receives a DTT comment for every published depth when set
	Mirror  signal.Source
	Metrics *metrics.Metrics
}

// Publisher reads the drive and publishes ddu when the formatted depth changes
type Publisher struct {
	reader  Reader
	bus     bus.Bus
	tick    time.Duration
	offset  float64
	mirror  signal.Source
	metrics *metrics.Metrics

	last       string
	readFailed bool

	done chan bool
}

// NewPublisher creates a publisher for reader
func NewPublisher(reader Reader, b bus.Bus, opts PublisherOptions) *Publisher {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Publisher{
		reader:  reader,
		bus:     b,
		tick:    opts.Tick,
		offset:  opts.Offset,
		mirror:  opts.Mirror,
		metrics: opts.Metrics,
		done:    make(chan bool, 1),
	}
}

// Start reads until Stop or ctx cancellation
func (p *Publisher) Start(ctx context.Context) {
	log.Printf("📏 Depth publisher started (tick %v, offset %.3f)", p.tick, p.offset)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.done:
			log.Println("🛑 Depth publisher stopped")
			return
		case <-ctx.Done():
			log.Println("🛑 Depth publisher stopped")
			return
		}
	}
}

// Stop ends the loop
func (p *Publisher) Stop() {
	select {
	case p.done <- true:
	default:
	}
}

// Last returns the last published depth string
func (p *Publisher) Last() string {
	return p.last
}

// Tick performs one read and returns whether a depth was published
func (p *Publisher) Tick(ctx context.Context) bool {
	mm, ok, err := p.reader.Read()
	if err != nil {
		if !p.readFailed {
			log.Printf("⚠️  Depth read failed: %v", err)
		}
		p.readFailed = true
		return false
	}
	if p.readFailed {
		log.Println("✅ Depth readings resumed")
		p.readFailed = false
	}
	if !ok {
		return false
	}

	value := mm + p.offset
	text := helpers.FormatDepth(value)
	if text == p.last {
		return false
	}
	if err := bus.PublishDepth(ctx, p.bus, value); err != nil {
		log.Printf("⚠️  Publish ddu %s failed: %v", text, err)
		return false
	}
	p.last = text
	p.metrics.Depth(value)

	if p.mirror != nil {
		if err := p.mirror.AddComment(CommentPrefix + text); err != nil {
			log.Printf("⚠️  Depth comment %s not stored: %v", text, err)
		}
	}
	return true
}
