package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medrag"

// Metrics Prometheus指标集合，nil接收者上的方法都是空操作
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	ingestFiles         *prometheus.CounterVec
	ingestChunks        prometheus.Counter
	ingestBatchFailures prometheus.Counter

	queries         *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	filteredMatches prometheus.Histogram

	upstreamDuration *prometheus.HistogramVec
}

// New 在reg上注册所有指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ingestFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_total",
			Help:      "Uploaded files processed by the ingestion pipeline",
		}, []string{"status"}),
		ingestChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_chunks_total",
			Help:      "Chunks produced by the ingestion pipeline",
		}),
		ingestBatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batch_failures_total",
			Help:      "Upsert batches that failed and were skipped",
		}),
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Questions answered by the query engine",
		}, []string{"status", "confidence"}),
		queryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end question answering latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		filteredMatches: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_filtered_matches",
			Help:      "Matches left after the role filter",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 10},
		}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of embedding, vector index and LLM calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "status"}),
	}
}

// RegisterDBStats 注册数据库连接池指标
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB) error {
	return reg.Register(collectors.NewDBStatsCollector(db, namespace))
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) IngestFile(ok bool) {
	if m == nil {
		return
	}
	m.ingestFiles.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) IngestChunks(n int) {
	if m == nil {
		return
	}
	m.ingestChunks.Add(float64(n))
}

func (m *Metrics) IngestBatchFailed() {
	if m == nil {
		return
	}
	m.ingestBatchFailures.Inc()
}

func (m *Metrics) Query(ok bool, confidence string, filtered int, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(result(ok), confidence).Inc()
	m.queryDuration.Observe(d.Seconds())
	if ok {
		m.filteredMatches.Observe(float64(filtered))
	}
}

// Upstream 记录外部依赖调用耗时，component取 embed / index / llm
func (m *Metrics) Upstream(component string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(component, result(err == nil)).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
