package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusServer exposes liveness, readiness, and metrics endpoints. It runs
// alongside long-lived modes (watch, serve); one-shot commands don't start
// it.
type StatusServer struct {
	addr        string
	metricsPath string
	obs         *Observability
	logger      *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// NewStatusServer creates a status server for the given observability
// components.
func NewStatusServer(addr, metricsPath string, obs *Observability, logger *slog.Logger) *StatusServer {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &StatusServer{
		addr:        addr,
		metricsPath: metricsPath,
		obs:         obs,
		logger:      logger,
		okapi:       okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (s *StatusServer) Start(ctx context.Context) error {
	metrics := s.obs.MetricsOrNil()
	tracer := s.obs.TracerOrNil()
	if metrics != nil || tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return HTTPMetricsMiddleware(metrics, tracer, next)
		})
	}

	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)
	if metrics != nil {
		s.okapi.HandleStd("GET", s.metricsPath,
			promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("status server starting", slog.String("addr", s.addr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *StatusServer) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("status server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *StatusServer) handleLiveness(c *okapi.Context) error {
	if s.obs == nil || s.obs.Health == nil {
		return c.OK(HealthStatus{Status: "ok"})
	}
	return c.OK(s.obs.Health.CheckHealth())
}

func (s *StatusServer) handleReadiness(c *okapi.Context) error {
	if s.obs == nil || s.obs.Health == nil {
		return c.OK(HealthStatus{Status: "ok"})
	}
	status := s.obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// HTTPMetricsMiddleware instruments an http.Handler with request metrics and
// a per-request span. Either component may be nil.
func HTTPMetricsMiddleware(metrics *MetricsCollector, ts *TracerSetup, next http.Handler) http.Handler {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tracer != nil {
			ctx, span := tracer.Start(r.Context(), "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				))
			defer span.End()
			r = r.WithContext(ctx)
		}

		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start).Seconds()

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// statusRecorder captures the response status code for metric labels.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
