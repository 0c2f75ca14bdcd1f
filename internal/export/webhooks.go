package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// WebhookHandler processes billing backend events. The only event the engine
// cares about is invoice finalization, used to annotate rated usage with the
// invoice reference; amounts are never altered from here.
//
// Every event must pass Stripe signature verification, and events are
// deduplicated by event id so backend retries are harmless.
type WebhookHandler struct {
	webhookSecret string
	store         rating.Store
	cache         *cache.Cache
	logger        *zap.Logger
	bus           *events.Bus
}

// NewWebhookHandler creates a Stripe webhook handler.
func NewWebhookHandler(webhookSecret string, store rating.Store, cacheClient *cache.Cache, logger *zap.Logger, bus *events.Bus) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		store:         store,
		cache:         cacheClient,
		logger:        logger,
		bus:           bus,
	}
}

// HandleWebhook is the HTTP entry point for billing backend events.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	reserved, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event", zap.Error(err), zap.String("event_id", event.ID))
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !reserved {
		h.logger.Info("webhook event already processed", zap.String("event_id", event.ID))
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	var handlerErr error
	switch event.Type {
	case "invoice.finalized":
		handlerErr = h.handleInvoiceFinalized(ctx, event)
	default:
		// Unknown event types are acknowledged and ignored.
		h.logger.Debug("ignoring webhook event type", zap.String("event_type", string(event.Type)))
	}

	h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	if handlerErr != nil {
		h.logger.Error("failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.Error(handlerErr),
		)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleInvoiceFinalized attaches the invoice reference to the period's
// latest rated usage. The engine customer and period travel in the invoice
// metadata set at export time.
func (h *WebhookHandler) handleInvoiceFinalized(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return err
	}

	customerID, err := uuid.Parse(invoice.Metadata["customer_id"])
	if err != nil {
		h.logger.Warn("invoice has no engine customer metadata",
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}
	periodStart, err := time.Parse(time.RFC3339, invoice.Metadata["period_start"])
	if err != nil {
		h.logger.Warn("invoice has no engine period metadata",
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}

	if err := h.store.AnnotateInvoice(ctx, customerID, periodStart, invoice.ID); err != nil {
		return err
	}

	h.logger.Info("invoice reference annotated",
		zap.String("customer_id", customerID.String()),
		zap.Time("period_start", periodStart),
		zap.String("invoice_id", invoice.ID),
	)
	h.bus.Publish(ctx, events.NewEvent(events.EventInvoiceFinalized, customerID.String(), map[string]interface{}{
		"period_start": periodStart,
		"invoice_id":   invoice.ID,
	}))
	return nil
}

// reserveEvent takes the idempotency slot for the event. Returns false when
// another delivery already holds or finished it.
func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	return h.cache.SetNX(ctx, "webhook:stripe:"+eventID, "processing", webhookProcessingTTL)
}

// finalizeEvent pins successful events for the processed window; failures
// release the slot so the backend's retry can run the handler again.
func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, ok bool) {
	key := "webhook:stripe:" + eventID
	if ok {
		if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
			h.logger.Warn("failed to record processed webhook", zap.Error(err))
		}
		return
	}
	if err := h.cache.Delete(ctx, key); err != nil {
		h.logger.Warn("failed to release webhook reservation", zap.Error(err))
	}
}
