// Package metrics exposes upload counters and latencies to Prometheus
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tsbridge/internal/thingspeak"
)

const namespace = "tsbridge"

// Metrics holds the bridge collectors on their own registry
type Metrics struct {
	registry *prometheus.Registry

	uploads     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	sweeps      prometheus.Counter
	skipped     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	entryID     *prometheus.GaugeVec
	channelsUp  prometheus.Gauge
	keyRepairs  prometheus.Counter
}

// New creates and registers all collectors. withRuntime adds process and Go collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thingspeak",
			Name:      "uploads_total",
			Help:      "Number of upload attempts by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "thingspeak",
			Name:      "upload_duration_seconds",
			Help:      "Duration of upload requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Number of completed sweeps.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "channels_skipped_total",
			Help:      "Due channels skipped because of configuration problems.",
		}, []string{"reason"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last accepted upload.",
		}, []string{"channel"}),
		entryID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "entry_id",
			Help:      "Entry id assigned to the last accepted upload.",
		}, []string{"channel"}),
		channelsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "healthy",
			Help:      "Number of channels whose last upload succeeded.",
		}),
		keyRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "key_repairs_total",
			Help:      "Write keys trimmed and saved back.",
		}),
	}

	m.registry.MustRegister(m.uploads, m.latency, m.sweeps, m.skipped,
		m.lastSuccess, m.entryID, m.channelsUp, m.keyRepairs)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSweep counts a finished sweep
func (m *Metrics) ObserveSweep() {
	m.sweeps.Inc()
}

// ObserveSkip counts a skipped channel
func (m *Metrics) ObserveSkip(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveKeyRepair counts a repaired write key
func (m *Metrics) ObserveKeyRepair() {
	m.keyRepairs.Inc()
}

// ObserveSuccess records the entry id and time of an accepted upload
func (m *Metrics) ObserveSuccess(channel string, entryID int64, at time.Time) {
	m.entryID.WithLabelValues(channel).Set(float64(entryID))
	m.lastSuccess.WithLabelValues(channel).Set(float64(at.Unix()))
}

// SetHealthy sets the number of healthy channels
func (m *Metrics) SetHealthy(n int) {
	m.channelsUp.Set(float64(n))
}

// ForgetChannel drops per-channel series of a deleted channel
func (m *Metrics) ForgetChannel(channel string) {
	m.entryID.DeleteLabelValues(channel)
	m.lastSuccess.DeleteLabelValues(channel)
}

// Uploader is the upload call being measured
type Uploader interface {
	Update(ctx context.Context, r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error)
}

type uploaderMiddleware struct {
	next    Uploader
	metrics *Metrics
}

// InstrumentUploader counts uploads by result and observes their latency
func (m *Metrics) InstrumentUploader(next Uploader) Uploader {
	return &uploaderMiddleware{next: next, metrics: m}
}

func (mm *uploaderMiddleware) Update(ctx context.Context, r *thingspeak.UpdateRequest) (resp *thingspeak.UpdateResponse, err error) {
	defer func(begin time.Time) {
		result := "success"
		if err != nil {
			result = thingspeak.KindOf(err).String()
		}
		mm.metrics.uploads.WithLabelValues(result).Inc()
		mm.metrics.latency.WithLabelValues(result).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.next.Update(ctx, r)
}
