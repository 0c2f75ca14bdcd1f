package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/audit"
	"github.com/ratecraft/metering-plane/internal/cogs"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/export"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/gateway"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

// TestEndToEndAPI exercises the ingest -> derive -> rate flow against real
// Postgres and Redis instances.
func TestEndToEndAPI(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	logger, _ := zap.NewDevelopment()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	eventBus := events.NewBus(logger)

	// Setup components
	factStore := facts.NewPostgresStore(db)
	readingStore := deriver.NewPostgresStore(db)
	ratedStore := rating.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)

	ingestor := facts.NewIngestor(factStore, logger, eventBus)
	tracker := settlement.NewTracker(settlement.NewPostgresStore(db), logger, eventBus)
	ledger := adjustments.NewLedger(adjustments.NewPostgresStore(db), logger, eventBus)

	customerID := uuid.New()
	policies := rating.StaticPolicies{Default: &rating.Policy{
		ID:         "integration",
		Version:    1,
		Precedence: rating.PrecedenceWorkOverEdges,
		Meters: map[string]rating.MeterPricing{
			deriver.MeterWorkflowCompleted: {Kind: rating.MeterWork, Tiers: []rating.PriceTier{{UnitPrice: decimalFromString(t, "0.5")}}},
		},
	}}
	lease := rating.NewLease(redisCache, cfg.Derivation.RatingLeaseTTL)
	rater := rating.NewService(readingStore, tracker, ledger, ratedStore, lease, policies, nil, logger, eventBus)

	webhookHandler := export.NewWebhookHandler("whsec_test", ratedStore, redisCache, logger, eventBus)
	derive := deriver.NewDeriver(factStore, readingStore, tracker, nil, cfg, logger, eventBus)

	gw := gateway.NewGateway(db, redisCache, logger, ingestor, factStore, tracker, readingStore, rater, ledger, cogs.NewPostgresStore(db), auditStore, webhookHandler, cfg)

	ts := httptest.NewServer(gw.Router())
	defer ts.Close()

	// Test 1: Health Check
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	// Test 2: Ingest a completed workflow run
	now := time.Now().UTC().Truncate(time.Hour)
	factReq := map[string]interface{}{
		"facts": []map[string]interface{}{
			{
				"customer_id": customerID,
				"type":        "span_ended",
				"timestamp":   now.Add(10 * time.Minute),
				"trace_id":    fmt.Sprintf("it-run-%d", time.Now().UnixNano()),
				"span_id":     "root",
				"attributes":  map[string]string{"workflow.definition": "intake", "status": "OK"},
				"quantities":  map[string]string{"llm.tokens": "1200"},
			},
		},
	}
	factBody, _ := json.Marshal(factReq)
	resp, err = http.Post(ts.URL+"/v1/facts", "application/json", bytes.NewReader(factBody))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", resp.StatusCode)
	}

	// Test 3: Derive the window covering the fact
	window := deriver.WindowFor(now.Add(10*time.Minute), cfg.Derivation.WindowSize)
	if _, err := derive.RecomputeWindow(context.Background(), customerID, window); err != nil {
		t.Fatalf("derivation failed: %v", err)
	}

	// Test 4: Rate the period and read it back
	period := now.Format("2006-01")
	base := fmt.Sprintf("%s/v1/customers/%s/usage/%s", ts.URL, customerID, period)
	resp, err = http.Post(base+"/rate", "application/json", nil)
	if err != nil {
		t.Fatalf("rating failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base)
	if err != nil {
		t.Fatalf("get rated usage failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	var rated struct {
		Subtotal string `json:"subtotal"`
		Stale    bool   `json:"stale"`
	}
	json.NewDecoder(resp.Body).Decode(&rated)
	if rated.Subtotal != "0.5" {
		t.Errorf("expected subtotal 0.5, got %s", rated.Subtotal)
	}
	if rated.Stale {
		t.Error("fresh rating run must not be stale")
	}
}
