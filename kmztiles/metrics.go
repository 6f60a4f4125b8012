package kmztiles

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics collects export statistics in a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry
	// tiles by outcome: rendered, failed, skipped
	tiles          *prometheus.CounterVec
	renderDuration prometheus.Histogram
	tileBytes      prometheus.Histogram
	// archives and exports
	archiveBytes   prometheus.Gauge
	exports        *prometheus.CounterVec
	exportDuration prometheus.Histogram
	buildInfo      *prometheus.GaugeVec
}

func register[K prometheus.Collector](logger *zap.Logger, reg prometheus.Registerer, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Error("Error registering metric", zap.Error(err))
	}
	return metric
}

// NewMetrics creates the export collectors in a fresh registry.
func NewMetrics(logger *zap.Logger) *Metrics {
	namespace := "kmztiles"
	reg := prometheus.NewRegistry()
	durationBuckets := prometheus.ExponentialBuckets(0.001, 2, 16)
	sizeBuckets := prometheus.ExponentialBuckets(1024, 2, 16)

	return &Metrics{
		registry: reg,
		tiles: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "tiles_total",
			Help:      "Tiles processed by outcome (rendered, failed, skipped)",
		}, []string{"outcome", "format"})),
		renderDuration: register(logger, reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "tile_duration_seconds",
			Help:      "Time to extract and encode one tile",
			Buckets:   durationBuckets,
		})),
		tileBytes: register(logger, reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "tile_size_bytes",
			Help:      "Encoded tile size",
			Buckets:   sizeBuckets,
		})),
		archiveBytes: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "package",
			Name:      "archive_size_bytes",
			Help:      "Size of the last written overlay archive",
		})),
		exports: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Export sessions by final phase",
		}, []string{"phase"})),
		exportDuration: register(logger, reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Wall time of export sessions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		})),
		buildInfo: register(logger, reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buildinfo",
		}, []string{"version", "revision"})),
	}
}

// Registry exposes the collectors, e.g. for a push gateway.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetBuildInfo records the program version and git revision.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// WriteToTextfile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) tileRendered(format OutputFormat, d time.Duration, size int) {
	if m == nil {
		return
	}
	m.tiles.WithLabelValues("rendered", format.String()).Inc()
	m.renderDuration.Observe(d.Seconds())
	m.tileBytes.Observe(float64(size))
}

func (m *Metrics) tileFailed(format OutputFormat) {
	if m == nil {
		return
	}
	m.tiles.WithLabelValues("failed", format.String()).Inc()
}

func (m *Metrics) tilesSkipped(format OutputFormat, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tiles.WithLabelValues("skipped", format.String()).Add(float64(n))
}

func (m *Metrics) archiveWritten(size int64) {
	if m == nil {
		return
	}
	m.archiveBytes.Set(float64(size))
}

func (m *Metrics) exportFinished(phase Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(phase.String()).Inc()
	m.exportDuration.Observe(d.Seconds())
}
