package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/retrace/pkg/util"
)

const (
	// Status values for metrics
	statusSuccess = "success"

	// Error status prefixes
	statusErrorPrefix = "error:"

	statusErrorNotFound   = statusErrorPrefix + "not_found"
	statusErrorInvalidKey = statusErrorPrefix + "invalid_key"
	statusErrorCanceled   = statusErrorPrefix + "canceled"
	statusErrorParse      = statusErrorPrefix + "parse"
	statusErrorOther      = statusErrorPrefix + "other"
)

type metrics struct {
	registerer prometheus.Registerer

	// Mapping load metrics
	mappingLoadDuration *prometheus.HistogramVec
	mappingFileSize     *prometheus.HistogramVec
	mappingWarnings     prometheus.Counter

	// Cache metrics
	cacheOperations *prometheus.CounterVec
	cacheEntries    prometheus.Gauge

	// Retrace metrics
	traceRetrace *prometheus.HistogramVec
	linesTotal   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		mappingLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrace_mapping_load_duration_seconds",
			Help:    "Time spent fetching and parsing mapping files by status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"status"}),
		mappingFileSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "retrace_mapping_file_size_bytes",
				Help: "Size of mapping files after decompression by original compression",
				// 64KB to 2GB
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 16),
			},
			[]string{"compression"},
		),
		mappingWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_mapping_warnings_total",
			Help: "Total number of malformed mapping lines skipped while parsing",
		}),
		// cache metrics
		cacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrace_cache_operations_total",
				Help: "Total number of cache operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retrace_cache_entries",
			Help: "Current number of parsed mappings held in the cache",
		}),
		// retrace metrics
		traceRetrace: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrace_trace_duration_seconds",
			Help:    "Time spent retracing one stack trace by status",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"status"}),
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_lines_total",
			Help: "Total number of stack trace lines retraced",
		}),
	}

	if reg != nil {
		m.register()
	}

	return m
}

func (m *metrics) register() {
	if m.registerer == nil {
		return
	}

	m.mappingLoadDuration = util.RegisterOrGet(m.registerer, m.mappingLoadDuration)
	m.mappingFileSize = util.RegisterOrGet(m.registerer, m.mappingFileSize)
	m.mappingWarnings = util.RegisterOrGet(m.registerer, m.mappingWarnings)
	m.cacheOperations = util.RegisterOrGet(m.registerer, m.cacheOperations)
	m.cacheEntries = util.RegisterOrGet(m.registerer, m.cacheEntries)
	m.traceRetrace = util.RegisterOrGet(m.registerer, m.traceRetrace)
	m.linesTotal = util.RegisterOrGet(m.registerer, m.linesTotal)
}
