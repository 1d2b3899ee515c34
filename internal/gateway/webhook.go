package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/dealsafe/internal/metrics"
	walletpkg "github.com/mbd888/dealsafe/internal/wallet"
)

const maxWebhookBody = 64 << 10

// WebhookHandler receives processor events: deposits credit wallets,
// payout outcomes settle or revert pending payouts. Replayed events are
// acknowledged without effect; the event ID doubles as the journal
// reference, so the deposit credit is idempotent at the store.
type WebhookHandler struct {
	wallets walletpkg.Store
	secret  string
	logger  *slog.Logger
}

// NewWebhookHandler creates a webhook handler verifying signatures with
// the given secret.
func NewWebhookHandler(wallets walletpkg.Store, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{wallets: wallets, secret: secret, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Handle)
}

// Handle processes POST /webhooks/gateway
func (h *WebhookHandler) Handle(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Could not read request body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	if err := h.handleEvent(c.Request.Context(), event); err != nil {
		// Non-2xx makes the processor redeliver; idempotent handling
		// absorbs the replay once the fault clears.
		h.logger.Error("webhook event processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed", "message": "Event not processed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return h.handleDeposit(ctx, event)
	case "payout.paid":
		return h.handlePayoutPaid(ctx, event)
	case "payout.failed", "payout.canceled":
		return h.handlePayoutFailed(ctx, event)
	default:
		h.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (h *WebhookHandler) handleDeposit(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}

	owner := pi.Metadata["owner"]
	if owner == "" {
		// Not a wallet deposit; acknowledge and move on.
		h.logger.Warn("deposit event without owner metadata", "event_id", event.ID, "payment_intent", pi.ID)
		return nil
	}

	amount := decimal.New(pi.AmountReceived, -2)
	if !amount.IsPositive() {
		h.logger.Warn("deposit event with non-positive amount", "event_id", event.ID, "amount", amount)
		return nil
	}

	if _, err := h.wallets.Create(ctx, owner, string(pi.Currency)); err != nil && !errors.Is(err, walletpkg.ErrWalletExists) {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	err := h.wallets.Credit(ctx, owner, amount, walletpkg.EntryDeposit, event.ID, "gateway deposit")
	if errors.Is(err, walletpkg.ErrDuplicateReference) {
		h.logger.Info("deposit event replayed, already credited", "event_id", event.ID, "owner", owner)
		return nil
	}
	if err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}

	h.logger.Info("deposit credited", "event_id", event.ID, "owner", owner, "amount", amount.StringFixed(2))
	return nil
}

func (h *WebhookHandler) handlePayoutPaid(ctx context.Context, event stripe.Event) error {
	payoutID, err := payoutIDFromEvent(event)
	if err != nil || payoutID == "" {
		h.logger.Warn("payout event without payout_id metadata", "event_id", event.ID, "error", err)
		return nil
	}
	if err := h.wallets.SettlePending(ctx, payoutID); err != nil {
		return fmt.Errorf("settle payout: %w", err)
	}
	metrics.GatewayPayoutsTotal.WithLabelValues("succeeded").Inc()
	h.logger.Info("payout confirmed", "event_id", event.ID, "payout_id", payoutID)
	return nil
}

func (h *WebhookHandler) handlePayoutFailed(ctx context.Context, event stripe.Event) error {
	payoutID, err := payoutIDFromEvent(event)
	if err != nil || payoutID == "" {
		h.logger.Warn("payout event without payout_id metadata", "event_id", event.ID, "error", err)
		return nil
	}
	if err := h.wallets.RevertPending(ctx, payoutID); err != nil {
		return fmt.Errorf("revert payout: %w", err)
	}
	metrics.GatewayPayoutsTotal.WithLabelValues("failed").Inc()
	h.logger.Info("payout failed, funds returned", "event_id", event.ID, "payout_id", payoutID)
	return nil
}

func payoutIDFromEvent(event stripe.Event) (string, error) {
	var p stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
		return "", fmt.Errorf("decode payout: %w", err)
	}
	return p.Metadata["payout_id"], nil
}
