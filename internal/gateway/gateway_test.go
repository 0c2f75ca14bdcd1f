package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
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
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiFixture struct {
	gw       *Gateway
	factsDB  *facts.MemoryStore
	tracker  *settlement.Tracker
	readings *deriver.MemoryStore
	ledger   *adjustments.Ledger
	audit    *audit.MemoryStore

	customerID uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	redisCache := cache.NewCacheFromClient(client)

	f := &apiFixture{
		factsDB:    facts.NewMemoryStore(),
		readings:   deriver.NewMemoryStore(),
		audit:      audit.NewMemoryStore(),
		customerID: uuid.New(),
	}
	f.tracker = settlement.NewTracker(settlement.NewMemoryStore(), logger, bus)
	f.ledger = adjustments.NewLedger(adjustments.NewMemoryStore(), logger, bus)

	unitPrice := decimal.RequireFromString("0.5")
	policies := rating.StaticPolicies{ByCustomer: map[uuid.UUID]*rating.Policy{
		f.customerID: {
			ID:         "api-test",
			Version:    1,
			Precedence: rating.PrecedenceWorkOverEdges,
			Meters: map[string]rating.MeterPricing{
				"workflow.completed": {Kind: rating.MeterWork, Tiers: []rating.PriceTier{{UnitPrice: unitPrice}}},
			},
		},
	}}

	ratedStore := rating.NewMemoryStore()
	lease := rating.NewLease(redisCache, time.Minute)
	rater := rating.NewService(f.readings, f.tracker, f.ledger, ratedStore, lease, policies, nil, logger, bus)

	cfg := &config.Config{
		Billing:    config.BillingConfig{DefaultHoldbackDays: 7},
		Monitoring: config.MonitoringConfig{MetricsPath: "/metrics"},
	}
	webhooks := export.NewWebhookHandler("whsec_test", ratedStore, redisCache, logger, bus)

	f.gw = NewGateway(nil, nil, logger, facts.NewIngestor(f.factsDB, logger, bus), f.factsDB, f.tracker, f.readings, rater, f.ledger, cogs.NewMemoryStore(), f.audit, webhooks, cfg)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.gw.Router().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (f *apiFixture) seedReadings(t *testing.T, value string) {
	t.Helper()
	w := deriver.WindowFor(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.Hour)
	require.NoError(t, f.readings.ReplaceWindow(context.Background(), f.customerID, w, []deriver.MeterReading{{
		CustomerID:  f.customerID,
		MeterKey:    "workflow.completed",
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Value:       decimal.RequireFromString(value),
	}}))
	_, err := f.readings.BumpInputVersion(context.Background(), f.customerID, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, body = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestIngestFactsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	payload := map[string]interface{}{
		"facts": []map[string]interface{}{
			{
				"customer_id": f.customerID,
				"type":        facts.TypeSpanEnded,
				"timestamp":   time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC),
				"trace_id":    "run-1",
				"span_id":     "root",
				"attributes":  map[string]string{facts.AttrWorkflowDefinition: "intake", facts.AttrStatus: facts.StatusOK},
			},
			// Missing trace id: quarantined, not dropped.
			{
				"customer_id": f.customerID,
				"type":        facts.TypeCounter,
				"timestamp":   time.Date(2026, 3, 10, 12, 6, 0, 0, time.UTC),
			},
		},
	}

	rec, body := f.do(t, http.MethodPost, "/v1/facts", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, float64(0), body["duplicates"])
	assert.Equal(t, float64(1), body["quarantined"])

	// Redelivery is idempotent.
	rec, body = f.do(t, http.MethodPost, "/v1/facts", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(0), body["accepted"])
	assert.Equal(t, float64(1), body["duplicates"])

	rec, body = f.do(t, http.MethodGet, "/v1/customers/"+f.customerID.String()+"/quarantine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["quarantined"], 2)

	rec, _ = f.do(t, http.MethodPost, "/v1/facts", map[string]interface{}{"facts": []map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutcomeVerifyAndReverse(t *testing.T) {
	f := newAPIFixture(t)

	occurred := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := f.tracker.Record(context.Background(), f.customerID, "run-1", "ticket.resolved", "zendesk", "zd-1", occurred, 7, nil, false)
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/v1/outcomes/zd-1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(settlement.StatusVerified), body["status"])

	rec, body = f.do(t, http.MethodPost, "/v1/outcomes/zd-1/reverse", map[string]string{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(settlement.StatusReversed), body["status"])

	// Reversed is terminal.
	rec, _ = f.do(t, http.MethodPost, "/v1/outcomes/zd-1/verify", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/outcomes/zd-404/verify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReadingsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedReadings(t, "100")

	path := fmt.Sprintf("/v1/customers/%s/readings?start=%s&end=%s",
		f.customerID,
		"2026-03-01T00:00:00Z",
		"2026-04-01T00:00:00Z",
	)
	rec, body := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	readings := body["readings"].([]interface{})
	require.Len(t, readings, 1)
	first := readings[0].(map[string]interface{})
	assert.Equal(t, "workflow.completed", first["meter_key"])
	assert.Equal(t, "100", first["value"])

	rec, _ = f.do(t, http.MethodGet, "/v1/customers/"+f.customerID.String()+"/readings?start=notatime", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRatingEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedReadings(t, "100")

	base := "/v1/customers/" + f.customerID.String() + "/usage/2026-03"

	rec, _ := f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing rated yet")

	rec, body := f.do(t, http.MethodPost, base+"/rate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "50", body["subtotal"])
	assert.Equal(t, float64(1), body["version"])

	rec, body = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", body["subtotal"])
	assert.Equal(t, false, body["stale"])

	// Unknown customer has no policy.
	rec, _ = f.do(t, http.MethodPost, "/v1/customers/"+uuid.NewString()+"/usage/2026-03/rate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/customers/not-a-uuid/usage/2026-03/rate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, base+"x/rate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewEndpointPersistsNothing(t *testing.T) {
	f := newAPIFixture(t)
	f.seedReadings(t, "100")

	base := "/v1/customers/" + f.customerID.String() + "/usage/2026-03"

	rec, body := f.do(t, http.MethodPost, base+"/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", body["subtotal"])

	rec, _ = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjustmentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/v1/adjustments", map[string]interface{}{
		"customer_id": f.customerID,
		"subject":     "llm.tokens",
		"kind":        "credit",
		"amount":      "15",
		"reason":      "outage",
		"actor":       "ops@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "15", body["amount"])

	rec, _ = f.do(t, http.MethodPost, "/v1/adjustments", map[string]interface{}{
		"customer_id": f.customerID,
		"subject":     "llm.tokens",
		"kind":        "refund",
		"amount":      "15",
		"reason":      "outage",
		"actor":       "ops@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/customers/"+f.customerID.String()+"/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["adjustments"], 1)
}

func TestRecordCostEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/v1/costs", map[string]interface{}{
		"run_id":    "run-1",
		"cost_type": "llm",
		"amount":    "1.25",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["id"])

	rec, _ = f.do(t, http.MethodPost, "/v1/costs", map[string]interface{}{
		"run_id": "run-1",
		"amount": "1.25",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/costs", map[string]interface{}{
		"run_id":    "run-1",
		"cost_type": "llm",
		"amount":    "-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAuditEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	require.NoError(t, f.audit.Append(context.Background(), audit.Entry{
		ID:         uuid.New(),
		CustomerID: f.customerID.String(),
		Actor:      "ops@example.com",
		Action:     "adjustment.created",
		Subject:    "llm.tokens",
		OccurredAt: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}))

	rec, body := f.do(t, http.MethodGet, "/v1/customers/"+f.customerID.String()+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["audit"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "adjustment.created", entries[0].(map[string]interface{})["action"])
}
