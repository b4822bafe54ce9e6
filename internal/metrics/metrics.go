package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const MetricPrefix = "docbench_"

// Metrics holds the run's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inserts        prometheus.Counter
	intervalRate   prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueFull      prometheus.Counter
	lateEvents     prometheus.Counter
	writeDuration  *prometheus.HistogramVec
	writeErrors    *prometheus.CounterVec
	workersRunning prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inserts: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "inserts_total",
			Help: "Number of documents written during the testing section",
		}),
		intervalRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "interval_rate",
			Help: "Inserts per second of the most recently reported interval",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "stats_queue_depth",
			Help: "Number of stats events waiting to be aggregated",
		}),
		queueFull: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "stats_queue_full_total",
			Help: "Number of times a producer blocked on a full stats queue",
		}),
		lateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "stats_late_events_total",
			Help: "Number of stats events that arrived after their interval was reported",
		}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "write_duration_seconds",
			Help:    "Duration of data store writes",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"operation", "batch_method"}),
		writeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "write_errors_total",
			Help: "Number of failed data store writes grouped by operation",
		}, []string{"operation"}),
		workersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "workers_running",
			Help: "Number of testing worker processes still running",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AddInserts(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.inserts.Add(float64(n))
}

func (m *Metrics) SetIntervalRate(rate float64) {
	if m == nil {
		return
	}
	m.intervalRate.Set(rate)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
}

func (m *Metrics) RecordLateEvent() {
	if m == nil {
		return
	}
	m.lateEvents.Inc()
}

func (m *Metrics) ObserveWrite(operation, batchMethod string, d time.Duration) {
	if m == nil {
		return
	}
	m.writeDuration.WithLabelValues(operation, batchMethod).Observe(d.Seconds())
}

func (m *Metrics) RecordWriteError(operation string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetWorkersRunning(n int) {
	if m == nil {
		return
	}
	m.workersRunning.Set(float64(n))
}

// Serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
