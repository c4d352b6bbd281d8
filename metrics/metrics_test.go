package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/bus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SegmentCommitted()
	m.SegmentDropped("store")
	m.FeatureComputed("NoiseRMS", 1, time.Millisecond)
	m.FeatureFailed("PAC")
	m.Received(bus.TopicDDU)
	m.Status(bus.StatusDone)
	m.Depth(-3.5)
	assert.Nil(t, m.Registry())

	b := bus.NewMemoryBus(4)
	assert.Equal(t, bus.Bus(b), InstrumentBus(b, nil))
}

func TestCounters(t *testing.T) {
	m := New()
	m.SegmentCommitted()
	m.SegmentCommitted()
	m.FeatureComputed("NoiseRMS", 3, 2*time.Millisecond)
	m.Status(bus.StatusAccumulating)
	m.Status(bus.StatusDone)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SegmentsCommitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FeaturesComputed.WithLabelValues("NoiseRMS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnippetStatus.WithLabelValues("done")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.SnippetStatus, "openmer_segmenter_snippet_status")-1)
}

func TestInstrumentBusAndHandler(t *testing.T) {
	m := New()
	b := InstrumentBus(bus.NewMemoryBus(4), m)
	require.NoError(t, bus.PublishDepth(context.Background(), b, -1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusPublished.WithLabelValues(bus.TopicDDU)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "openmer_bus_published_total"))
}
