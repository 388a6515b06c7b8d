package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	awspkg "github.com/ValRusDev/microshop/pkg/aws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checkout outcomes.
const (
	CheckoutAccepted    = "accepted"
	CheckoutEmpty       = "empty_basket"
	CheckoutUnavailable = "unavailable"
	CheckoutFailed      = "failed"
)

// Materialization outcomes.
const (
	OrderCreated   = "created"
	OrderDuplicate = "duplicate"
	OrderRejected  = "rejected"
	OrderRetry     = "retry"
)

// CloudRecorder forwards selected counters to CloudWatch.
type CloudRecorder interface {
	IsEnabled() bool
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

// ServerMetrics owns a private registry so several instances can coexist in tests.
type ServerMetrics struct {
	service  string
	registry *prometheus.Registry
	cloud    CloudRecorder

	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	Checkouts *prometheus.CounterVec
	Orders    *prometheus.CounterVec
}

func NewServerMetrics(service string, cloud CloudRecorder) *ServerMetrics {
	m := &ServerMetrics{
		service:  service,
		registry: prometheus.NewRegistry(),
		cloud:    cloud,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microshop",
			Subsystem: subsystem(service),
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "microshop",
			Subsystem: subsystem(service),
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microshop",
			Subsystem: subsystem(service),
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microshop",
			Subsystem: subsystem(service),
			Name:      "orders_materialized_total",
			Help:      "Checkout events processed by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.Requests, m.LatencyMS, m.Checkouts, m.Orders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func subsystem(service string) string {
	return strings.ReplaceAll(service, "-", "_")
}

// Handler serves the registry in the Prometheus text format.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request count and latency keyed by the matched route.
func (m *ServerMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()

		m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(duration.Milliseconds()))

		if m.cloud == nil || !m.cloud.IsEnabled() {
			return
		}
		dims := map[string]string{"Service": m.service, "Method": c.Request.Method, "Path": handler}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.cloud.RecordCount(ctx, awspkg.MetricHTTPRequests, dims)
			_ = m.cloud.RecordLatency(ctx, awspkg.MetricHTTPLatency, duration, dims)
			if status >= 400 {
				_ = m.cloud.RecordCount(ctx, awspkg.MetricHTTPErrors, dims)
			}
		}()
	}
}

// RecordCheckout counts a checkout outcome.
func (m *ServerMetrics) RecordCheckout(outcome string) {
	m.Checkouts.WithLabelValues(outcome).Inc()
	if outcome == CheckoutAccepted {
		m.forward(awspkg.MetricCheckouts)
	}
}

// RecordOrder counts a materialization outcome.
func (m *ServerMetrics) RecordOrder(outcome string) {
	m.Orders.WithLabelValues(outcome).Inc()
	switch outcome {
	case OrderCreated:
		m.forward(awspkg.MetricOrdersCreated)
	case OrderDuplicate:
		m.forward(awspkg.MetricOrdersDuplicated)
	case OrderRejected:
		m.forward(awspkg.MetricEventsRejected)
	}
}

func (m *ServerMetrics) forward(name string) {
	if m.cloud == nil || !m.cloud.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.cloud.RecordCount(ctx, name, map[string]string{"Service": m.service})
	}()
}
