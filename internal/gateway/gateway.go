package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/audit"
	"github.com/ratecraft/metering-plane/internal/cogs"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/export"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/database"
	"go.uber.org/zap"
)

// Gateway is the HTTP API: fact ingestion, outcome confirmation, readings
// and rated usage queries, previews, adjustments, and the billing backend
// webhook.
type Gateway struct {
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
	router *chi.Mux

	ingestor  *facts.Ingestor
	factStore facts.Store
	tracker   *settlement.Tracker
	readings  deriver.ReadingStore
	rater     *rating.Service
	ledger    *adjustments.Ledger
	costs     cogs.Store
	auditLog  audit.Store
	webhooks  *export.WebhookHandler

	holdbackDays int
	metricsPath  string
}

// NewGateway creates the API gateway.
func NewGateway(db *database.Database, cacheClient *cache.Cache, logger *zap.Logger, ingestor *facts.Ingestor, factStore facts.Store, tracker *settlement.Tracker, readings deriver.ReadingStore, rater *rating.Service, ledger *adjustments.Ledger, costs cogs.Store, auditLog audit.Store, webhooks *export.WebhookHandler, cfg *config.Config) *Gateway {
	g := &Gateway{
		db:           db,
		cache:        cacheClient,
		logger:       logger,
		router:       chi.NewRouter(),
		ingestor:     ingestor,
		factStore:    factStore,
		tracker:      tracker,
		readings:     readings,
		rater:        rater,
		ledger:       ledger,
		costs:        costs,
		auditLog:     auditLog,
		webhooks:     webhooks,
		holdbackDays: cfg.Billing.DefaultHoldbackDays,
		metricsPath:  cfg.Monitoring.MetricsPath,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	g.router.Handle(g.metricsPath, promhttp.Handler())

	// Health checks (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Billing backend webhook (signature-verified, no auth)
	g.router.Post("/api/webhooks/stripe", g.webhooks.HandleWebhook)

	g.router.Group(func(r chi.Router) {
		// Ingestion
		r.Post("/v1/facts", g.handleIngestFacts)
		r.Get("/v1/customers/{customer_id}/quarantine", g.handleListQuarantined)

		// Outcome oracle push
		r.Post("/v1/outcomes/{ref}/verify", g.handleVerifyOutcome)
		r.Post("/v1/outcomes/{ref}/reverse", g.handleReverseOutcome)

		// Readings and rated usage
		r.Get("/v1/customers/{customer_id}/readings", g.handleListReadings)
		r.Get("/v1/customers/{customer_id}/usage/{period}", g.handleGetRatedUsage)
		r.Post("/v1/customers/{customer_id}/usage/{period}/rate", g.handleRunRating)
		r.Post("/v1/customers/{customer_id}/usage/{period}/preview", g.handlePreviewUsage)

		// Operator corrections
		r.Post("/v1/adjustments", g.handleSubmitAdjustment)
		r.Get("/v1/customers/{customer_id}/adjustments", g.handleListAdjustments)

		// Provider cost records
		r.Post("/v1/costs", g.handleRecordCost)

		// Audit trail
		r.Get("/v1/customers/{customer_id}/audit", g.handleListAudit)
	})
}

// Router returns the configured HTTP handler.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}
