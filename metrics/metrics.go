// Package metrics holds the Prometheus collectors shared by every role
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"open-mer/bus"
)

const namespace = "openmer"

// Metrics contains the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SegmentsCommitted prometheus.Counter
	SegmentsDropped   *prometheus.CounterVec
	FeaturesComputed  *prometheus.CounterVec
	FeaturesFailed    *prometheus.CounterVec
	FeatureSeconds    *prometheus.HistogramVec
	BusPublished      *prometheus.CounterVec
	BusReceived       *prometheus.CounterVec
	SnippetStatus     *prometheus.GaugeVec
	CurrentDepth      prometheus.Gauge
}

// New creates the collectors on a fresh registry together with Go runtime collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SegmentsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segmenter",
			Name:      "segments_committed_total",
			Help:      "Segments written to the store",
		}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segmenter",
			Name:      "segments_dropped_total",
			Help:      "Segments not written, by reason",
		}, []string{"reason"}),
		FeaturesComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "features",
			Name:      "computed_total",
			Help:      "Feature rows inserted, by kind",
		}, []string{"kind"}),
		FeaturesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "features",
			Name:      "failed_total",
			Help:      "Feature computations or writes that failed, by kind",
		}, []string{"kind"}),
		FeatureSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "features",
			Name:      "compute_seconds",
			Help:      "Time to compute one kind over one segment",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published, by topic",
		}, []string{"topic"}),
		BusReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Messages received, by topic",
		}, []string{"topic"}),
		SnippetStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segmenter",
			Name:      "snippet_status",
			Help:      "1 for the current snippet status, 0 otherwise",
		}, []string{"status"}),
		CurrentDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "depth",
			Name:      "current_millimetres",
			Help:      "Last depth seen on the bus",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SegmentsCommitted,
		m.SegmentsDropped,
		m.FeaturesComputed,
		m.FeaturesFailed,
		m.FeatureSeconds,
		m.BusPublished,
		m.BusReceived,
		m.SnippetStatus,
		m.CurrentDepth,
	)
	return m
}

// Registry returns the registry backing m
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SegmentCommitted counts one stored segment
func (m *Metrics) SegmentCommitted() {
	if m == nil {
		return
	}
	m.SegmentsCommitted.Inc()
}

// SegmentDropped counts one segment not stored
func (m *Metrics) SegmentDropped(reason string) {
	if m == nil {
		return
	}
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// FeatureComputed records rows inserted for kind and the time it took
func (m *Metrics) FeatureComputed(kind string, rows int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FeaturesComputed.WithLabelValues(kind).Add(float64(rows))
	m.FeatureSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// FeatureFailed counts one failed (segment, kind)
func (m *Metrics) FeatureFailed(kind string) {
	if m == nil {
		return
	}
	m.FeaturesFailed.WithLabelValues(kind).Inc()
}

// Received counts one message taken off the bus
func (m *Metrics) Received(topic string) {
	if m == nil {
		return
	}
	m.BusReceived.WithLabelValues(topic).Inc()
}

// Status marks status as the current snippet status
func (m *Metrics) Status(status bus.Status) {
	if m == nil {
		return
	}
	m.SnippetStatus.Reset()
	m.SnippetStatus.WithLabelValues(string(status)).Set(1)
}

// Depth records the last depth seen
func (m *Metrics) Depth(mm float64) {
	if m == nil {
		return
	}
	m.CurrentDepth.Set(mm)
}

// instrumentedBus counts publishes on the wrapped bus
type instrumentedBus struct {
	bus.Bus
	m *Metrics
}

// Publish forwards to the wrapped bus and counts successful publishes
func (b instrumentedBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.Bus.Publish(ctx, topic, payload); err != nil {
		return err
	}
	b.m.BusPublished.WithLabelValues(topic).Inc()
	return nil
}

// InstrumentBus wraps b so publishes are counted. A nil m returns b unchanged.
func InstrumentBus(b bus.Bus, m *Metrics) bus.Bus {
	if m == nil {
		return b
	}
	return instrumentedBus{Bus: b, m: m}
}
