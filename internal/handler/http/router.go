package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Manoj-619/cartoo-new-sub001/pkg/health"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/middleware"
)

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	ServiceName       string
	CORS              middleware.CORSConfig
	PprofAllowedCIDRs []string
	// Tokens validates bearer tokens. Client-channel calls are accepted
	// anonymously; group endpoints require a token.
	Tokens  middleware.TokenValidator
	Metrics *middleware.HTTPMetrics
	// VerifyRPS and VerifyBurst bound client-channel confirmations per IP.
	// A forged confirmation removes unpaid orders, so the route is throttled.
	// Zero disables the limit.
	VerifyRPS   float64
	VerifyBurst int
}

// NewRouter creates a chi router with all reconciliation routes registered.
func NewRouter(
	payments *PaymentHandler,
	groups *GroupHandler,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Tracing(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	r.Route("/api/v1/payments", func(r chi.Router) {
		// Browser-facing client channel.
		r.Group(func(r chi.Router) {
			r.Use(middleware.CORS(cfg.CORS))
			r.Use(ContentTypeJSON)
			r.Use(middleware.OptionalAuth(cfg.Tokens))
			r.Use(middleware.RequestLogger(logger))
			r.Options("/verify", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			verify := r.With()
			if cfg.VerifyRPS > 0 {
				verify = r.With(middleware.RateLimit(cfg.VerifyRPS, cfg.VerifyBurst, logger))
			}
			verify.Post("/verify", payments.VerifyPayment)
		})

		// Server-to-server processor callbacks.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestLogger(logger))
			r.Post("/webhook", payments.ReceiveWebhook)
		})
	})

	r.Route("/api/v1/orders/groups", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(middleware.Auth(cfg.Tokens))
		r.Use(middleware.RequestLogger(logger))

		r.With(middleware.RequireRole(RoleService, RoleAdmin)).Post("/", groups.CreateGroup)
		r.Get("/{processorOrderId}", groups.GetGroup)
	})

	return r
}
