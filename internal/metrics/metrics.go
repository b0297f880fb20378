package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpanel"

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Hub metrics
	Observers        prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
	ObserversDropped prometheus.Counter

	// Console metrics
	ConsoleLines   *prometheus.CounterVec
	DecoderResults *prometheus.CounterVec

	// Supervisor metrics
	ControlOps  *prometheus.CounterVec
	ServerState *prometheus.GaugeVec
	TPS         prometheus.Gauge
	Players     prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		Observers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observers",
				Help:      "Number of registered observers",
			},
		),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published by the hub, by type",
			},
			[]string{"type"},
		),
		ObserversDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observers_dropped_total",
				Help:      "Observers removed after a failed send",
			},
		),

		ConsoleLines: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "console_lines_total",
				Help:      "Console records appended, by origin",
			},
			[]string{"origin"},
		),
		DecoderResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decoder_results_total",
				Help:      "Decoded lines by winning encoding",
			},
			[]string{"encoding", "exhausted"},
		),

		ControlOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_operations_total",
				Help:      "Supervisor control operations by result",
			},
			[]string{"op", "result"},
		),
		ServerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_state",
				Help:      "1 for the current process state, 0 otherwise",
			},
			[]string{"state"},
		),
		TPS: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_tps",
				Help:      "Last reported ticks per second",
			},
		),
		Players: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_players",
				Help:      "Players currently online",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncObserverDropped() {
	if m == nil {
		return
	}
	m.ObserversDropped.Inc()
}

func (m *Metrics) IncConsoleLine(origin string) {
	if m == nil {
		return
	}
	m.ConsoleLines.WithLabelValues(origin).Inc()
}

func (m *Metrics) IncDecoded(encoding string, exhausted bool) {
	if m == nil {
		return
	}
	m.DecoderResults.WithLabelValues(encoding, strconv.FormatBool(exhausted)).Inc()
}

// RecordControl records a control operation; err == nil counts as "ok".
func (m *Metrics) RecordControl(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ControlOps.WithLabelValues(op, result).Inc()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ServerState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetTPS(v float64) {
	if m == nil {
		return
	}
	m.TPS.Set(v)
}

func (m *Metrics) SetPlayers(n int) {
	if m == nil {
		return
	}
	m.Players.Set(float64(n))
}

// Middleware creates a Gin middleware for metrics collection
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
