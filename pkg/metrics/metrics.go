// Package metrics holds the Prometheus collectors for indexing and search and
// serves them over HTTP.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the latency buckets (in seconds) shared by every histogram.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics is the set of collectors exported by pdfsearch. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	PDFsIndexed    *prometheus.CounterVec // status=ok|failed
	PagesIndexed   prometheus.Counter
	PagesDropped   prometheus.Counter
	UpsertFailures prometheus.Counter
	IndexDuration  prometheus.Histogram

	EmbedDuration  *prometheus.HistogramVec // modality
	SearchDuration *prometheus.HistogramVec // field
	SearchErrors   *prometheus.CounterVec   // field

	QueueMessages *prometheus.CounterVec // outcome=ok|retry|rollback|dlq|malformed
}

// New creates and registers every collector plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		PDFsIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsearch_pdfs_indexed_total",
			Help: "PDFs run through the indexing pipeline, by outcome",
		}, []string{"status"}),
		PagesIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "pdfsearch_pages_indexed_total",
			Help: "Pages committed to the vector index",
		}),
		PagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "pdfsearch_pages_dropped_total",
			Help: "Pages dropped because the text and render passes disagreed",
		}),
		UpsertFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pdfsearch_upsert_failed_points_total",
			Help: "Points lost to failed upsert batches",
		}),
		IndexDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfsearch_index_duration_seconds",
			Help:    "Wall time of one IndexPDF call",
			Buckets: DefaultBuckets,
		}),
		EmbedDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfsearch_embed_duration_seconds",
			Help:    "Embedding call latency by modality",
			Buckets: DefaultBuckets,
		}, []string{"modality"}),
		SearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfsearch_search_duration_seconds",
			Help:    "End-to-end search latency by vector field",
			Buckets: DefaultBuckets,
		}, []string{"field"}),
		SearchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsearch_search_errors_total",
			Help: "Searches that returned an error, by vector field",
		}, []string{"field"}),
		QueueMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsearch_queue_messages_total",
			Help: "Index queue messages handled, by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Since observes the seconds elapsed since t.
func Since(o prometheus.Observer, t time.Time) {
	o.Observe(time.Since(t).Seconds())
}

// Handler returns an http.Handler that serves /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (m *Metrics) ServeAsync(port int, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	go func() {
		if err := m.Serve(port); err != nil {
			log.Error("metrics server stopped", "port", port, "err", err)
		}
	}()
}
