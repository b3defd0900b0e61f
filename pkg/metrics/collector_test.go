package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/deadreckon"
	"github.com/markus-lassfolk/precision-location/pkg/fusion"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.ObserveSample(pkg.SourceSatellite, fusion.Accepted)
	c.ObserveSample(pkg.SourceSatellite, fusion.Accepted)
	c.ObserveSample(pkg.SourceNetwork, fusion.RejectOutOfOrder)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.samples.WithLabelValues("satellite", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.samples.WithLabelValues("network", "out_of_order")))

	c.ObserveEstimate(deadreckon.StateGap, fusion.MethodNone, &pkg.PrecisionLocation{
		Confidence: 0.4, Accuracy: 12, IsInterpolated: true,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.estimates.WithLabelValues("gap", "none")))
	assert.InDelta(t, 0.4, testutil.ToFloat64(c.confidence), 1e-6)
	assert.Equal(t, 12.0, testutil.ToFloat64(c.accuracy))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interpolated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gap))

	c.ObserveDroppedOutput()
	c.ObserveGapEntered()
	c.ObserveFilterReset()
	c.PublishFailed("mqtt")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedOutputs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gapEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filterResets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishErrors.WithLabelValues("mqtt")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveSample(pkg.SourceSatellite, fusion.Accepted)
		c.ObserveEstimate(deadreckon.StateTracking, fusion.MethodDirect, &pkg.PrecisionLocation{})
		c.ObserveDroppedOutput()
		c.ObserveGapEntered()
		c.ObserveFilterReset()
		c.PublishFailed("mqtt")
	})
	assert.Nil(t, c.Registry())
}

func TestServerHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveGapEntered()
	s := NewServer(nil, c, logx.Discard())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "precision_location_gap_entries_total 1")
}

func TestServerStartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s := NewServer(cfg, NewCollector(), logx.Discard())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "precision_location_outage")

	require.NoError(t, s.Stop(context.Background()))
}

func TestServerDisabled(t *testing.T) {
	s := NewServer(nil, nil, logx.Discard())
	assert.NoError(t, s.Start())
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}
