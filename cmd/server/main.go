package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/audit"
	"github.com/ratecraft/metering-plane/internal/cogs"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/export"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/gateway"
	"github.com/ratecraft/metering-plane/internal/notifications"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/ratecraft/metering-plane/pkg/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting metering plane")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	// Initialize stores
	factStore := facts.NewPostgresStore(db)
	readingStore := deriver.NewPostgresStore(db)
	verificationStore := settlement.NewPostgresStore(db)
	ratedStore := rating.NewPostgresStore(db)
	adjustmentStore := adjustments.NewPostgresStore(db)
	costStore := cogs.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)

	// Audit recorder subscribes before anything publishes
	audit.NewRecorder(auditStore, logger).Subscribe(eventBus)
	logger.Info("initialized audit recorder")

	// Initialize ingestion and settlement
	ingestor := facts.NewIngestor(factStore, logger, eventBus)
	tracker := settlement.NewTracker(verificationStore, logger, eventBus)

	// Initialize deriver
	composites, err := deriver.LoadCompositesFile(cfg.Derivation.CompositesFile)
	if err != nil {
		logger.Fatal("failed to load composite meters", zap.Error(err))
	}
	derive := deriver.NewDeriver(factStore, readingStore, tracker, composites, cfg, logger, eventBus)
	logger.Info("initialized deriver", zap.Int("composite_meters", len(composites)))

	// Initialize rating
	policies, err := rating.LoadPolicyFile(cfg.Billing.PolicyFile)
	if err != nil {
		logger.Fatal("failed to load rating policies", zap.Error(err))
	}
	ledger := adjustments.NewLedger(adjustmentStore, logger, eventBus)
	lease := rating.NewLease(redisCache, cfg.Derivation.RatingLeaseTTL)
	attacher := cogs.NewAttacher(costStore, factStore, logger)
	rater := rating.NewService(readingStore, tracker, ledger, ratedStore, lease, policies, attacher, logger, eventBus)
	logger.Info("initialized rating service", zap.Int("customer_policies", len(policies.ByCustomer)))

	// Initialize billing backend export
	accounts, meterModes, err := export.LoadAccountsFile(cfg.Billing.AccountsFile)
	if err != nil {
		logger.Fatal("failed to load billing accounts", zap.Error(err))
	}
	exporter := export.NewExporter(ratedStore, accounts, meterModes, cfg, logger, eventBus)
	webhooks := export.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, ratedStore, redisCache, logger, eventBus)
	logger.Info("initialized billing backend export")

	// Initialize operator alerting
	alertCfg, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load alerting configuration", zap.Error(err))
	}
	alerts, err := notifications.NewService(alertCfg, redisCache, logger, eventBus)
	if err != nil {
		logger.Fatal("failed to initialize alerting service", zap.Error(err))
	}

	// Start background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("failed to start alerting service", zap.Error(err))
	}
	go derive.Run(ctx)
	go exporter.Run(ctx)

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, ingestor, factStore, tracker, readingStore, rater, ledger, costStore, auditStore, webhooks, cfg)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown: stop background loops, then drain HTTP
	cancel()
	if err := alerts.Stop(context.Background()); err != nil {
		logger.Error("failed to stop alerting service", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
