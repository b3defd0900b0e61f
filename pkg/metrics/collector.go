package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/deadreckon"
	"github.com/markus-lassfolk/precision-location/pkg/fusion"
)

const namespace = "precision_location"

// Collector holds the Prometheus instruments for a tracking session.
// All methods are safe on a nil *Collector so metrics can be disabled
// without guarding call sites.
type Collector struct {
	registry *prometheus.Registry

	samples        *prometheus.CounterVec
	estimates      *prometheus.CounterVec
	droppedOutputs prometheus.Counter
	gapEntries     prometheus.Counter
	filterResets   prometheus.Counter
	publishErrors  *prometheus.CounterVec

	confidence   prometheus.Gauge
	accuracy     prometheus.Gauge
	interpolated prometheus.Gauge
	gap          prometheus.Gauge
	confidences  prometheus.Histogram
}

// NewCollector creates a collector registered on its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Position samples offered to the buffer, by source and result.",
		}, []string{"source", "result"}),
		estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimates_total",
			Help:      "Emitted estimates, by outage state and fusion method.",
		}, []string{"state", "method"}),
		droppedOutputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_outputs_total",
			Help:      "Estimates dropped because the consumer was not keeping up.",
		}),
		gapEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_entries_total",
			Help:      "Transitions from tracking into a satellite outage.",
		}),
		filterResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_resets_total",
			Help:      "Filter re-diffusions after long outages.",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed estimate publications, by sink.",
		}, []string{"sink"}),
		confidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confidence",
			Help:      "Confidence of the last emitted estimate.",
		}),
		accuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accuracy_meters",
			Help:      "Accuracy radius of the last emitted estimate.",
		}),
		interpolated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interpolated",
			Help:      "1 when the last estimate came from dead reckoning.",
		}),
		gap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outage",
			Help:      "1 while the outage detector is in the gap state.",
		}),
		confidences: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimate_confidence",
			Help:      "Distribution of emitted estimate confidence.",
			Buckets:   []float64{0.01, 0.1, 0.3, 0.5, 0.7, 0.9, 1},
		}),
	}

	c.registry.MustRegister(
		c.samples, c.estimates, c.droppedOutputs, c.gapEntries, c.filterResets,
		c.publishErrors, c.confidence, c.accuracy, c.interpolated, c.gap, c.confidences,
	)
	return c
}

// Registry returns the registry the collector's instruments live in
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveSample counts a sample offered to the buffer
func (c *Collector) ObserveSample(src pkg.Source, reason fusion.RejectReason) {
	if c == nil {
		return
	}
	result := "accepted"
	if reason != fusion.Accepted {
		result = string(reason)
	}
	c.samples.WithLabelValues(src.String(), result).Inc()
}

// ObserveEstimate records an emitted estimate
func (c *Collector) ObserveEstimate(state deadreckon.State, method fusion.Method, loc *pkg.PrecisionLocation) {
	if c == nil || loc == nil {
		return
	}
	c.estimates.WithLabelValues(state.String(), string(method)).Inc()
	c.confidence.Set(float64(loc.Confidence))
	c.accuracy.Set(loc.Accuracy)
	c.confidences.Observe(float64(loc.Confidence))
	c.interpolated.Set(boolGauge(loc.IsInterpolated))
	c.gap.Set(boolGauge(state == deadreckon.StateGap))
}

// ObserveDroppedOutput counts an estimate the consumer missed
func (c *Collector) ObserveDroppedOutput() {
	if c == nil {
		return
	}
	c.droppedOutputs.Inc()
}

// ObserveGapEntered counts an outage
func (c *Collector) ObserveGapEntered() {
	if c == nil {
		return
	}
	c.gapEntries.Inc()
}

// ObserveFilterReset counts a filter re-diffusion
func (c *Collector) ObserveFilterReset() {
	if c == nil {
		return
	}
	c.filterResets.Inc()
}

// PublishFailed counts a failed publication to sink (mqtt, websocket)
func (c *Collector) PublishFailed(sink string) {
	if c == nil {
		return
	}
	c.publishErrors.WithLabelValues(sink).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
