package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the harness Prometheus collectors. It doubles as the
// runner's observer.
type Metrics struct {
	once            sync.Once
	initialized     bool
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	runResults      *prometheus.CounterVec
	runDuration     prometheus.Histogram
	containerStarts *prometheus.CounterVec
	logLines        *prometheus.CounterVec
}

// NewMetrics registers and returns the harness collectors. Double
// registration reuses the existing collectors.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.init()
	return m
}

func (m *Metrics) init() {
	m.once.Do(func() {
		m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		m.runResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "runs_total",
			Help:      "Number of harness runs by terminal status",
		}, []string{"status"})

		m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of harness runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		})

		m.containerStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "container_starts_total",
			Help:      "Containers started per manifest service",
		}, []string{"service"})

		m.logLines = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "witnet",
			Subsystem: "harness",
			Name:      "log_lines_total",
			Help:      "Container log lines observed per service",
		}, []string{"service"})

		m.register()
		m.initialized = true
	})
}

func (m *Metrics) register() {
	register := func(c prometheus.Collector, assign func(prometheus.Collector)) {
		if err := prometheus.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				assign(already.ExistingCollector)
			}
		}
	}
	register(m.requestTotal, func(c prometheus.Collector) { m.requestTotal = c.(*prometheus.CounterVec) })
	register(m.requestDuration, func(c prometheus.Collector) { m.requestDuration = c.(*prometheus.HistogramVec) })
	register(m.runResults, func(c prometheus.Collector) { m.runResults = c.(*prometheus.CounterVec) })
	register(m.runDuration, func(c prometheus.Collector) { m.runDuration = c.(prometheus.Histogram) })
	register(m.containerStarts, func(c prometheus.Collector) { m.containerStarts = c.(*prometheus.CounterVec) })
	register(m.logLines, func(c prometheus.Collector) { m.logLines = c.(*prometheus.CounterVec) })
}

// ContainerStarted counts a started container.
func (m *Metrics) ContainerStarted(service string) {
	if m == nil || !m.initialized {
		return
	}
	m.containerStarts.With(prometheus.Labels{"service": service}).Inc()
}

// LogLine counts an observed container log line.
func (m *Metrics) LogLine(service string) {
	if m == nil || !m.initialized {
		return
	}
	m.logLines.With(prometheus.Labels{"service": service}).Inc()
}

// RunFinished records a terminal run status and duration.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.runResults.With(prometheus.Labels{"status": status}).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

// instrument wraps a handler with request counting and latency observation.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if m == nil || !m.initialized {
			next(w, req)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		m.recordRequest(req.Method, route, status, time.Since(start))
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Flush lets instrumented SSE handlers keep streaming.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets instrumented handlers upgrade the connection.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
