package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// Options configures the router beyond the wired services.
type Options struct {
	AuthToken string
	CORS      *CORSConfig
	// HealthChecks are run on every /healthz call, keyed by the
	// dependency name reported in the response body.
	HealthChecks map[string]func(context.Context) error
}

// NewRouter builds the chi router exposing every inbound operation the
// harness serves, wrapped in the standard middleware stack.
func NewRouter(svc Services, logger *logging.Logger, m *metrics.Metrics, opts Options) *chi.Mux {
	cors := defaultCORSConfig()
	if opts.CORS != nil {
		cors = *opts.CORS
	}

	r := chi.NewRouter()
	r.Use(recoveryMiddleware(logger))
	r.Use(tracingMiddleware(logger))
	r.Use(metricsMiddleware(m))
	r.Use(securityHeaders)
	r.Use(corsMW(cors))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	hc := newHealthChecker()
	for name, check := range opts.HealthChecks {
		hc.register(name, check)
	}
	r.Get("/healthz", hc.handler())

	guard := newIdempotencyGuard(5*time.Minute, logger)

	r.Group(func(api chi.Router) {
		api.Use(bearerAuth(opts.AuthToken))

		api.Post("/v1/analyze", handleAnalyze)

		if svc.AccountPool != nil {
			api.Post("/v1/accounts/select", selectAccountHandler(svc.AccountPool))
			api.Post("/v1/accounts/{id}/outcome", reportOutcomeHandler(svc.AccountPool))
		}
		if svc.RateLimiter != nil {
			api.Post("/v1/limits/check", checkLimitHandler(svc.RateLimiter))
		}
		if svc.Budget != nil {
			api.With(idempotencyMiddleware(guard)).Post("/v1/usage", trackUsageHandler(svc.Budget, svc.Webhooks))
			api.Get("/v1/budget/{org}", checkBudgetHandler(svc.Budget))
		}
		if svc.Webhooks != nil {
			api.With(idempotencyMiddleware(guard)).Post("/v1/webhooks", enqueueWebhookHandler(svc.Webhooks))
		}
		if svc.ResponseCache != nil {
			api.Post("/v1/cache/{key}", getOrSetHandler(svc.ResponseCache))
		}
	})

	return r
}

// corsMW adapts the local CORSConfig into the chi middleware signature; a
// thin rename that lets NewRouter, whose local cors variable shadows the
// cors function, still reach that function.
func corsMW(cfg CORSConfig) func(http.Handler) http.Handler {
	return cors(cfg)
}

// Server wraps an http.Server with the timeouts the harness expects and a
// context-bounded graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// NewServer builds a Server listening on addr and serving handler.
func NewServer(addr string, handler http.Handler, logger *logging.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the server until it errors or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http harness listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within timeout before closing.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
