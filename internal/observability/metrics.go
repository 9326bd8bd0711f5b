package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PlaybackCollector bundles Prometheus metrics for a playback run and
// provides a ready-to-serve /metrics handler. Skew is a first-class metric:
// scheduling jitter against the trace timeline must be observable, not
// silently absorbed.
type PlaybackCollector struct {
	gatherer prometheus.Gatherer

	SamplesApplied prometheus.Counter
	ApplySkew      prometheus.Histogram
	BackendErrors  prometheus.Counter

	TraceSamples   prometheus.Gauge
	ShapingRate    prometheus.Gauge
	ShapingLatency prometheus.Gauge
}

// NewPlaybackCollector registers playback Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewPlaybackCollector(reg prometheus.Registerer) (*PlaybackCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	applied, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_samples_applied_total",
		Help: "Total number of trace samples successfully applied to the interface.",
	}), "playback_samples_applied_total")
	if err != nil {
		return nil, err
	}

	skew, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "playback_apply_skew_seconds",
		Help:    "Delay between a sample's target time and the moment it was actually applied.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}), "playback_apply_skew_seconds")
	if err != nil {
		return nil, err
	}

	backendErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_backend_errors_total",
		Help: "Total number of shaping backend failures. Any failure faults the run.",
	}), "playback_backend_errors_total")
	if err != nil {
		return nil, err
	}

	traceSamples, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playback_trace_samples",
		Help: "Number of samples in the loaded trace.",
	}), "playback_trace_samples")
	if err != nil {
		return nil, err
	}

	rate, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shaping_rate_kbit",
		Help: "Bandwidth limit currently applied to the interface, in kbit/s.",
	}), "shaping_rate_kbit")
	if err != nil {
		return nil, err
	}

	latency, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shaping_latency_seconds",
		Help: "Delay currently injected on the interface, in seconds.",
	}), "shaping_latency_seconds")
	if err != nil {
		return nil, err
	}

	return &PlaybackCollector{
		gatherer:       gatherer,
		SamplesApplied: applied,
		ApplySkew:      skew,
		BackendErrors:  backendErrors,
		TraceSamples:   traceSamples,
		ShapingRate:    rate,
		ShapingLatency: latency,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PlaybackCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveApply records one successfully applied sample: its skew and the
// configuration now in force.
func (c *PlaybackCollector) ObserveApply(skew time.Duration, rateKbit int64, latency time.Duration) {
	if c == nil {
		return
	}
	if c.SamplesApplied != nil {
		c.SamplesApplied.Inc()
	}
	if c.ApplySkew != nil {
		c.ApplySkew.Observe(skew.Seconds())
	}
	if c.ShapingRate != nil {
		c.ShapingRate.Set(float64(rateKbit))
	}
	if c.ShapingLatency != nil {
		c.ShapingLatency.Set(latency.Seconds())
	}
}

// IncBackendErrors counts one shaping backend failure.
func (c *PlaybackCollector) IncBackendErrors() {
	if c == nil || c.BackendErrors == nil {
		return
	}
	c.BackendErrors.Inc()
}

// SetTraceSamples records the size of the loaded trace.
func (c *PlaybackCollector) SetTraceSamples(n int) {
	if c == nil || c.TraceSamples == nil {
		return
	}
	c.TraceSamples.Set(float64(n))
}

// ClearShapingGauges resets the current-configuration gauges once the
// interface has been returned to an unshaped state.
func (c *PlaybackCollector) ClearShapingGauges() {
	if c == nil {
		return
	}
	if c.ShapingRate != nil {
		c.ShapingRate.Set(0)
	}
	if c.ShapingLatency != nil {
		c.ShapingLatency.Set(0)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
