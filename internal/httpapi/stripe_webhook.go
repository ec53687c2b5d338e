package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"metered_gateway/internal/kvstore"
)

const (
	maxWebhookBodyBytes = 64 << 10
	stripeEventPrefix   = "stripe_event:"
)

type stripeEventMetadata struct {
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processedAt"`
}

// handleStripeWebhook tops up accounts from completed Checkout sessions.
// Events are verified against the signing secret and processed at most
// once per event id.
func (d *Dependencies) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	secret := d.Config.Stripe.WebhookSecret
	if secret == "" {
		http.Error(w, "Webhook not configured", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		d.Logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), secret)
	if err != nil {
		d.Logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	logger := d.Logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	seen, err := d.stripeEventSeen(ctx, event.ID)
	if err != nil {
		logger.Error("failed to check webhook event", zap.Error(err))
		http.Error(w, "Failed to check event", http.StatusInternalServerError)
		return
	}
	if seen {
		logger.Info("webhook event already processed")
		w.WriteHeader(http.StatusOK)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		err = d.handleCheckoutCompleted(ctx, event, logger)
	default:
		logger.Debug("ignoring webhook event type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err != nil {
		logger.Error("webhook event processing failed", zap.Error(err))
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	meta := stripeEventMetadata{Type: string(event.Type), ProcessedAt: time.Now().UTC()}
	if err := d.Store.Put(ctx, stripeEventPrefix+event.ID, event.ID, meta); err != nil {
		// processed already; a redelivery would top up twice
		logger.Error("failed to mark webhook event processed", zap.Error(err))
	}

	w.WriteHeader(http.StatusOK)
}

func (d *Dependencies) stripeEventSeen(ctx context.Context, eventID string) (bool, error) {
	_, err := d.Store.Get(ctx, stripeEventPrefix+eventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// handleCheckoutCompleted recharges the paying email with the session total.
// Unpaid sessions and non-USD currencies are ignored.
func (d *Dependencies) handleCheckoutCompleted(ctx context.Context, event stripe.Event, logger *zap.Logger) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		logger.Info("checkout session not paid", zap.String("payment_status", string(session.PaymentStatus)))
		return nil
	}
	if !strings.EqualFold(string(session.Currency), string(stripe.CurrencyUSD)) {
		logger.Warn("ignoring non-USD checkout session", zap.String("currency", string(session.Currency)))
		return nil
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		logger.Warn("checkout session has no customer email", zap.String("session_id", session.ID))
		return nil
	}
	if session.AmountTotal <= 0 {
		logger.Warn("checkout session has no amount", zap.String("session_id", session.ID))
		return nil
	}

	amount := float64(session.AmountTotal) / 100
	result, err := d.Recharge.Recharge(ctx, email, amount)
	if err != nil {
		return fmt.Errorf("recharge failed: %w", err)
	}

	logger.Info("stripe top-up applied",
		zap.String("account_id", result.AccountID),
		zap.Float64("amount", amount),
		zap.Bool("new_user", result.IsNewUser),
	)
	return nil
}
