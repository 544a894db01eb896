package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"factorywatch/internal/model"
)

// Recorder exports the published dashboard and HTTP traffic as Prometheus
// series.
type Recorder struct {
	gatherer prometheus.Gatherer

	windowAnomalies *prometheus.GaugeVec
	sampleEvents    *prometheus.GaugeVec
	sensors         *prometheus.GaugeVec
	alerts          *prometheus.GaugeVec
	latency         prometheus.Gauge
	connected       prometheus.Gauge
	snapshots       *prometheus.CounterVec
	sourceErrors    prometheus.Counter
	notifications   prometheus.Counter
	recompute       prometheus.Histogram

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New(namespace string) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return NewWith(namespace, reg, reg)
}

func NewWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		windowAnomalies: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_anomalies",
			Help:      "Anomalous events inside each trailing window",
		}, []string{"window"}),
		sampleEvents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_events",
			Help:      "Events in the retained sample by label",
		}, []string{"label"}),
		sensors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensors",
			Help:      "Sensors by liveness status",
		}, []string{"status"}),
		alerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts",
			Help:      "Alert log entries by acknowledgement status",
		}, []string{"status"}),
		latency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_latency_seconds",
			Help:      "Age of the newest event in the sample",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_connected",
			Help:      "1 when the upstream subscription is healthy",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots applied by subscription",
		}, []string{"subscription"}),
		sourceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Upstream subscription errors",
		}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Anomaly notifications emitted",
		}),
		recompute: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent recomputing the aggregation",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) Observe(d model.Dashboard) {
	if r == nil {
		return
	}
	agg := d.Aggregation
	for _, w := range agg.Windows {
		r.windowAnomalies.WithLabelValues(w.Window).Set(float64(w.Count))
	}
	r.sampleEvents.WithLabelValues("anomalous").Set(float64(agg.Totals.Anomalous))
	r.sampleEvents.WithLabelValues("normal").Set(float64(agg.Totals.Normal))
	r.sensors.WithLabelValues(string(model.Online)).Set(float64(agg.LiveSummary.Online))
	r.sensors.WithLabelValues(string(model.Warning)).Set(float64(agg.LiveSummary.Warning))
	r.sensors.WithLabelValues(string(model.Offline)).Set(float64(agg.LiveSummary.Offline))
	r.alerts.WithLabelValues(string(model.StatusAck)).Set(float64(d.Alerts.Acked))
	r.alerts.WithLabelValues(string(model.StatusUnack)).Set(float64(d.Alerts.Unacked))
	r.latency.Set(agg.DataFlow.LatencySec)
	if d.Connection.Status == model.Connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

func (r *Recorder) Snapshot(subscription string) {
	if r != nil {
		r.snapshots.WithLabelValues(subscription).Inc()
	}
}

func (r *Recorder) SourceError() {
	if r != nil {
		r.sourceErrors.Inc()
	}
}

func (r *Recorder) Notified() {
	if r != nil {
		r.notifications.Inc()
	}
}

func (r *Recorder) Recomputed(d time.Duration) {
	if r != nil {
		r.recompute.Observe(d.Seconds())
	}
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by route pattern so path parameters do not
// explode label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, req)
		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.requests.WithLabelValues(req.Method, route, strconv.Itoa(rw.status)).Inc()
		r.requestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
