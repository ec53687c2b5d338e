package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/claims"
	"metered_gateway/internal/config"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/logging"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/models"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/recharge"
)

// UsageQueue defers charges off the request path
type UsageQueue interface {
	Enqueue(ctx context.Context, event *billing.UsageEvent) error
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// ModelCatalog lists the models exposed by the gateway
type ModelCatalog interface {
	ListActive(ctx context.Context) ([]models.Model, error)
}

// UsageHistory reads the usage log
type UsageHistory interface {
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error)
	TotalCostByAccount(ctx context.Context, accountID string, start, end time.Time) (float64, error)
}

// StatsFunc reports the runtime statistics of one component
type StatsFunc func(ctx context.Context) (any, error)

// HealthChecker is implemented by backing stores
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Recorder

	Auth       middleware.Authenticator
	Keys       *auth.Issuer
	Ledger     *ledger.Ledger
	Admission  *admission.Controller
	Reconciler *admission.Reconciler
	Billing    *billing.Service
	Queue      UsageQueue
	Pricing    billing.CostCalculator
	Claims     *claims.Redeemer
	Recharge   *recharge.Service
	Provider   providers.Provider
	Sink       logging.Sink

	// Store holds processed Stripe event ids
	Store kvstore.Store

	// optional, nil without a database
	Models ModelCatalog
	Usage  UsageHistory

	Health map[string]HealthChecker
	Stats  map[string]StatsFunc
}

// NewRouter creates the HTTP router with all routes registered
func NewRouter(d *Dependencies) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Sink == nil {
		d.Sink = logging.NewNoopSink()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.corsOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Admin-Secret"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", d.handleHealth)
	r.Handle("/metrics", d.Metrics.HTTPHandler())

	// Claim page and redemption (public, the token is the credential)
	r.Get("/claim", d.handleClaimPage)
	r.Post("/api/claim", d.handleClaim)

	// Stripe webhook (signature verified)
	r.Post("/webhooks/stripe", d.handleStripeWebhook)

	// OpenAI-compatible endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyMiddleware(d.Auth, d.Logger))

		r.Post("/v1/chat/completions", d.handleChatCompletions)
		r.Get("/v1/models", d.handleListModels)
	})

	// Admin endpoints
	r.Route("/admin", func(r chi.Router) {
		r.Post("/auth/token", d.handleAdminToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminJWTMiddleware(d.Config, auth.RoleViewer))

			r.Get("/accounts/{id}", d.handleGetAccount)
			r.Get("/accounts/{id}/usage", d.handleAccountUsage)
			r.Get("/billing/dead-letters", d.handleListDeadLetters)
			r.Get("/stats", d.handleStats)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminJWTMiddleware(d.Config, auth.RoleAdmin))

			r.Post("/recharge", d.handleRecharge)
			r.Post("/accounts/{id}/concurrency", d.handleSetConcurrency)
			r.Post("/keys/{id}/disable", d.handleDisableKey)
			r.Post("/reconcile", d.handleReconcile)
			r.Post("/billing/dead-letters/{id}/retry", d.handleRetryDeadLetter)
		})
	})

	return r
}

func (d *Dependencies) corsOrigins() []string {
	if d.Config != nil && len(d.Config.HTTP.CORSOrigins) > 0 {
		return d.Config.HTTP.CORSOrigins
	}
	return []string{"*"}
}
