package webhook

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/logging"
)

const instrumentationName = "github.com/OneBeatTrue/code-agent/internal/webhook"

// Delivery results counted by codeagent_webhook_deliveries_total.
const (
	resultAccepted    = "accepted"
	resultIgnored     = "ignored"
	resultInvalid     = "invalid"
	resultUnsigned    = "unauthorized"
	resultRateLimited = "rate_limited"
	resultFailed      = "dispatch_failed"
)

// httpMetrics records request counts and latency through otel.
type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newHTTPMetrics(meter metric.Meter, logger *logging.Logger) *httpMetrics {
	m := &httpMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"codeagent.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create requests counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"codeagent.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}

	m.active, err = meter.Int64UpDownCounter(
		"codeagent.http.active_requests",
		metric.WithDescription("HTTP requests in progress"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create active requests counter", zap.Error(err))
	}
	return m
}

func (m *httpMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.active != nil {
				m.active.Add(ctx, 1)
				defer m.active.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			// c.Path is the route template, so ids do not explode cardinality.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// deliveryMetrics counts webhook deliveries for the Prometheus endpoint.
type deliveryMetrics struct {
	deliveries *prometheus.CounterVec
}

func newDeliveryMetrics(reg prometheus.Registerer) (*deliveryMetrics, error) {
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event", "result"})

	if err := reg.Register(deliveries); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		deliveries = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return &deliveryMetrics{deliveries: deliveries}, nil
}

func (m *deliveryMetrics) observe(event, result string) {
	if event == "" {
		event = "unknown"
	}
	m.deliveries.WithLabelValues(event, result).Inc()
}
