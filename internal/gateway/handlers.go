package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/cogs"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type factPayload struct {
	CustomerID uuid.UUID                  `json:"customer_id"`
	Type       string                     `json:"type"`
	Timestamp  time.Time                  `json:"timestamp"`
	TraceID    string                     `json:"trace_id"`
	SpanID     string                     `json:"span_id"`
	Quantities map[string]decimal.Decimal `json:"quantities,omitempty"`
	Attributes map[string]string          `json:"attributes,omitempty"`
}

func (g *Gateway) handleIngestFacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Facts []factPayload `json:"facts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Facts) == 0 {
		g.writeError(w, http.StatusBadRequest, "facts is required")
		return
	}

	batch := make([]facts.RawFact, 0, len(req.Facts))
	for _, p := range req.Facts {
		batch = append(batch, facts.RawFact{
			CustomerID: p.CustomerID,
			Type:       p.Type,
			Timestamp:  p.Timestamp,
			TraceID:    p.TraceID,
			SpanID:     p.SpanID,
			Quantities: p.Quantities,
			Attributes: p.Attributes,
		})
	}

	result, err := g.ingestor.Ingest(r.Context(), batch)
	if err != nil {
		g.logger.Error("failed to ingest facts", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to ingest facts")
		return
	}

	g.writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted":    result.Accepted,
		"duplicates":  result.Duplicates,
		"quarantined": result.Quarantined,
	})
}

func (g *Gateway) handleListQuarantined(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}

	quarantined, err := g.factStore.Quarantined(r.Context(), customerID)
	if err != nil {
		g.logger.Error("failed to list quarantined facts", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list quarantined facts")
		return
	}

	type entry struct {
		TraceID       string    `json:"trace_id"`
		SpanID        string    `json:"span_id"`
		Type          string    `json:"type"`
		Timestamp     time.Time `json:"timestamp"`
		Reason        string    `json:"reason"`
		QuarantinedAt time.Time `json:"quarantined_at"`
	}
	out := make([]entry, 0, len(quarantined))
	for _, qf := range quarantined {
		out = append(out, entry{
			TraceID:       qf.Fact.TraceID,
			SpanID:        qf.Fact.SpanID,
			Type:          qf.Fact.Type,
			Timestamp:     qf.Fact.Timestamp,
			Reason:        qf.Reason,
			QuarantinedAt: qf.QuarantinedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"quarantined": out})
}

func (g *Gateway) handleVerifyOutcome(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req struct {
		VerifiedAt   *time.Time `json:"verified_at"`
		HoldbackDays *int       `json:"holdback_days"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	at := time.Now().UTC()
	if req.VerifiedAt != nil {
		at = *req.VerifiedAt
	}
	holdback := g.holdbackDays
	if req.HoldbackDays != nil {
		holdback = *req.HoldbackDays
	}

	v, err := g.tracker.MarkVerified(r.Context(), ref, at, holdback)
	if err != nil {
		g.writeSettlementError(w, ref, err)
		return
	}
	g.writeJSON(w, http.StatusOK, renderVerification(v))
}

func (g *Gateway) handleReverseOutcome(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	v, err := g.tracker.MarkReversed(r.Context(), ref, req.Reason)
	if err != nil {
		g.writeSettlementError(w, ref, err)
		return
	}
	g.writeJSON(w, http.StatusOK, renderVerification(v))
}

func (g *Gateway) writeSettlementError(w http.ResponseWriter, ref string, err error) {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		g.writeError(w, http.StatusNotFound, fmt.Sprintf("outcome %s not found", ref))
	case errors.Is(err, settlement.ErrInvalidTransition):
		g.writeError(w, http.StatusConflict, fmt.Sprintf("outcome %s: %s", ref, err.Error()))
	default:
		g.logger.Error("settlement transition failed", zap.String("ref", ref), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, fmt.Sprintf("outcome %s: transition failed", ref))
	}
}

func renderVerification(v *settlement.Verification) map[string]interface{} {
	return map[string]interface{}{
		"id":              v.ID,
		"customer_id":     v.CustomerID,
		"run_id":          v.RunID,
		"outcome_key":     v.OutcomeKey,
		"external_ref":    v.ExternalRef,
		"status":          v.Status,
		"occurred_at":     v.OccurredAt,
		"verified_at":     v.VerifiedAt,
		"holdback_until":  v.HoldbackUntil,
		"reversal_reason": v.ReversalReason,
	}
}

func (g *Gateway) handleListReadings(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}

	readings, err := g.readings.ReadingsInPeriod(r.Context(), customerID, start, end)
	if err != nil {
		g.logger.Error("failed to list readings", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}

	type entry struct {
		MeterKey    string    `json:"meter_key"`
		WindowStart time.Time `json:"window_start"`
		WindowEnd   time.Time `json:"window_end"`
		Value       string    `json:"value"`
		DerivedAt   time.Time `json:"derived_at"`
	}
	out := make([]entry, 0, len(readings))
	for _, reading := range readings {
		out = append(out, entry{
			MeterKey:    reading.MeterKey,
			WindowStart: reading.WindowStart,
			WindowEnd:   reading.WindowEnd,
			Value:       reading.Value.String(),
			DerivedAt:   reading.DerivedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"readings": out})
}

func (g *Gateway) handleGetRatedUsage(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}
	period, ok := g.periodParam(w, r)
	if !ok {
		return
	}

	rated, stale, err := g.rater.Latest(r.Context(), customerID, period)
	if err != nil {
		if errors.Is(err, rating.ErrNoRatedUsage) {
			g.writeError(w, http.StatusNotFound, fmt.Sprintf("no rated usage for customer %s period %s", customerID, period.Start.Format("2006-01")))
			return
		}
		g.logger.Error("failed to load rated usage", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load rated usage")
		return
	}

	g.writeJSON(w, http.StatusOK, renderRatedUsage(rated, stale))
}

func (g *Gateway) handleRunRating(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}
	period, ok := g.periodParam(w, r)
	if !ok {
		return
	}

	rated, err := g.rater.RunRating(r.Context(), customerID, period)
	if err != nil {
		g.writeRatingError(w, customerID, period, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, renderRatedUsage(rated, false))
}

func (g *Gateway) handlePreviewUsage(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}
	period, ok := g.periodParam(w, r)
	if !ok {
		return
	}

	rated, err := g.rater.Preview(r.Context(), customerID, period)
	if err != nil {
		g.writeRatingError(w, customerID, period, err)
		return
	}
	g.writeJSON(w, http.StatusOK, renderRatedUsage(rated, false))
}

func (g *Gateway) writeRatingError(w http.ResponseWriter, customerID uuid.UUID, period deriver.Window, err error) {
	label := fmt.Sprintf("customer %s period %s", customerID, period.Start.Format("2006-01"))
	switch {
	case errors.Is(err, rating.ErrLeaseHeld):
		g.writeError(w, http.StatusConflict, fmt.Sprintf("rating already running for %s", label))
	case errors.Is(err, rating.ErrNotQuiescent):
		g.writeError(w, http.StatusConflict, fmt.Sprintf("derivation still settling for %s, retry shortly", label))
	case errors.Is(err, rating.ErrNoPolicy):
		g.writeError(w, http.StatusNotFound, fmt.Sprintf("no policy for %s", label))
	default:
		g.logger.Error("rating failed", zap.String("customer_id", customerID.String()), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, fmt.Sprintf("rating failed for %s: %s", label, err.Error()))
	}
}

func renderRatedUsage(rated *rating.RatedUsage, stale bool) map[string]interface{} {
	type lineEntry struct {
		MeterKey       string `json:"meter_key,omitempty"`
		Description    string `json:"description"`
		Kind           string `json:"kind"`
		Quantity       string `json:"quantity"`
		UnitPrice      string `json:"unit_price"`
		Amount         string `json:"amount"`
		CustomerFacing bool   `json:"customer_facing"`
		Ref            string `json:"ref,omitempty"`
	}
	lines := make([]lineEntry, 0, len(rated.Lines))
	for _, l := range rated.Lines {
		lines = append(lines, lineEntry{
			MeterKey:       l.MeterKey,
			Description:    l.Description,
			Kind:           string(l.Kind),
			Quantity:       l.Quantity.String(),
			UnitPrice:      l.UnitPrice.String(),
			Amount:         l.Amount.String(),
			CustomerFacing: l.CustomerFacing,
			Ref:            l.Ref,
		})
	}

	meterCOGS := make(map[string]string, len(rated.MeterCOGS))
	for k, v := range rated.MeterCOGS {
		meterCOGS[k] = v.String()
	}

	return map[string]interface{}{
		"id":               rated.ID,
		"customer_id":      rated.CustomerID,
		"period_start":     rated.PeriodStart,
		"period_end":       rated.PeriodEnd,
		"policy_id":        rated.PolicyID,
		"policy_version":   rated.PolicyVersion,
		"version":          rated.Version,
		"input_version":    rated.InputVersion,
		"stale":            stale,
		"lines":            lines,
		"subtotal":         rated.Subtotal.String(),
		"cogs":             rated.COGS.String(),
		"unallocated_cogs": rated.UnallocatedCOGS.String(),
		"margin":           rated.Margin.String(),
		"meter_cogs":       meterCOGS,
		"computed_at":      rated.ComputedAt,
		"synced":           rated.Synced,
		"invoice_ref":      rated.InvoiceRef,
	}
}

func (g *Gateway) handleSubmitAdjustment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID uuid.UUID       `json:"customer_id"`
		Subject    string          `json:"subject"`
		Kind       string          `json:"kind"`
		Amount     decimal.Decimal `json:"amount"`
		Reason     string          `json:"reason"`
		Actor      string          `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := g.ledger.Submit(r.Context(), req.CustomerID, req.Subject, adjustments.Kind(req.Kind), req.Amount, req.Reason, req.Actor)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         a.ID,
		"subject":    a.Subject,
		"kind":       a.Kind,
		"amount":     a.Amount.String(),
		"created_at": a.CreatedAt,
	})
}

func (g *Gateway) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}

	all, err := g.ledger.ByCustomer(r.Context(), customerID)
	if err != nil {
		g.logger.Error("failed to list adjustments", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list adjustments")
		return
	}

	type entry struct {
		ID            uuid.UUID  `json:"id"`
		Subject       string     `json:"subject"`
		Kind          string     `json:"kind"`
		Amount        string     `json:"amount"`
		Reason        string     `json:"reason"`
		Actor         string     `json:"actor"`
		CreatedAt     time.Time  `json:"created_at"`
		AppliedPeriod *time.Time `json:"applied_period_start,omitempty"`
	}
	out := make([]entry, 0, len(all))
	for _, a := range all {
		out = append(out, entry{
			ID:            a.ID,
			Subject:       a.Subject,
			Kind:          string(a.Kind),
			Amount:        a.Amount.String(),
			Reason:        a.Reason,
			Actor:         a.Actor,
			CreatedAt:     a.CreatedAt,
			AppliedPeriod: a.AppliedPeriodStart,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"adjustments": out})
}

func (g *Gateway) handleRecordCost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID      string          `json:"run_id"`
		CostType   string          `json:"cost_type"`
		Amount     decimal.Decimal `json:"amount"`
		IncurredAt time.Time       `json:"incurred_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CostType == "" {
		g.writeError(w, http.StatusBadRequest, "cost_type is required")
		return
	}
	if req.Amount.IsNegative() {
		g.writeError(w, http.StatusBadRequest, "amount must be non-negative")
		return
	}
	if req.IncurredAt.IsZero() {
		req.IncurredAt = time.Now().UTC()
	}

	record := cogs.CostRecord{
		ID:         uuid.New(),
		RunID:      req.RunID,
		CostType:   req.CostType,
		Amount:     req.Amount,
		IncurredAt: req.IncurredAt,
	}
	if err := g.costs.Record(r.Context(), record); err != nil {
		g.logger.Error("failed to record cost", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to record cost")
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": record.ID})
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := g.customerParam(w, r)
	if !ok {
		return
	}

	entries, err := g.auditLog.ByCustomer(r.Context(), customerID.String())
	if err != nil {
		g.logger.Error("failed to list audit entries", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	type entry struct {
		ID         uuid.UUID         `json:"id"`
		Actor      string            `json:"actor"`
		Action     string            `json:"action"`
		Subject    string            `json:"subject,omitempty"`
		Detail     map[string]string `json:"detail,omitempty"`
		OccurredAt time.Time         `json:"occurred_at"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     e.Action,
			Subject:    e.Subject,
			Detail:     e.Detail,
			OccurredAt: e.OccurredAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": out})
}

func (g *Gateway) customerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "customer_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "customer_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// periodParam parses a {period} path segment of the form YYYY-MM into the
// calendar month window.
func (g *Gateway) periodParam(w http.ResponseWriter, r *http.Request) (deriver.Window, bool) {
	raw := chi.URLParam(r, "period")
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "period must be YYYY-MM")
		return deriver.Window{}, false
	}
	return deriver.MonthOf(t), true
}
