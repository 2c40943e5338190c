// Package webhook serves the HTTP surface of the code agent: the GitHub
// webhook receiver, health and metrics endpoints, and the admin API.
//
// Handlers never run orchestration work themselves. Each accepted event is
// handed to a dispatch.Dispatcher and the response carries the task ids.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/dispatch"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// Canceller ends an active cycle.
type Canceller interface {
	Cancel(ctx context.Context, recordID uint, reason string) (*iteration.Record, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds the server settings.
type Config struct {
	WebhookSecret  string
	TriggerLabel   string
	RestartCommand string
	// AdminToken enables the admin API when set.
	AdminToken     string
	BodyLimit      int64
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

// Server is the echo application.
type Server struct {
	echo       *echo.Echo
	cfg        Config
	dispatcher dispatch.Dispatcher
	store      iteration.Store
	canceller  Canceller
	logger     *logging.Logger
	limiter    *ipLimiter
	deliveries *deliveryMetrics
	checks     map[string]HealthCheck

	meterProvider metric.MeterProvider
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMeterProvider sets the provider for HTTP metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) { s.meterProvider = mp }
}

// WithRegistry sets where delivery counters are registered and what
// /metrics exposes. The default is the Prometheus default registry.
func WithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = g
	}
}

// NewServer builds the routes. canceller may be nil when the admin API is
// disabled.
func NewServer(cfg Config, d dispatch.Dispatcher, store iteration.Store, canceller Canceller, logger *logging.Logger, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, errors.New("webhook: dispatcher is required")
	}
	if store == nil {
		return nil, errors.New("webhook: store is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("webhook: webhook secret is required")
	}
	if cfg.AdminToken != "" && canceller == nil {
		return nil, errors.New("webhook: admin API needs a canceller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 1 << 20
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		store:      store,
		canceller:  canceller,
		logger:     logger.Named("webhook"),
		limiter:    newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		checks:     map[string]HealthCheck{},
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}

	deliveries, err := newDeliveryMetrics(s.registerer)
	if err != nil {
		return nil, fmt.Errorf("register delivery metrics: %w", err)
	}
	s.deliveries = deliveries

	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newHTTPMetrics(s.meterProvider.Meter(instrumentationName), s.logger).middleware())
	e.Use(s.requestLogger())
	if s.cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(s.cfg.RequestTimeout))
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	e.POST("/webhook", s.handleWebhook)

	if s.cfg.AdminToken != "" {
		s.registerAdmin(e.Group("/api/v1", bearerAuth(s.cfg.AdminToken)))
	}
	return e
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			s.logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		s.logger.Error(c.Request().Context(), "unhandled request error", zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

// Handler returns the HTTP handler, for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
