package payments

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"
)

// CompletedPayment is the record a successful checkout webhook carries
// into the dispatch flow.
type CompletedPayment struct {
	SessionID       string
	PaymentIntentID string
	Amount          int64 // smallest currency unit
	Currency        string
	BookingRef      string
}

// StripeGateway wraps stripe-go for the Checkout Session + refund flow.
type StripeGateway struct {
	Currency      string
	SuccessURL    string
	CancelURL     string
	WebhookSecret string
}

// NewStripeGateway sets the package-level API key; stripe-go clients are
// stateless beyond that.
func NewStripeGateway(apiKey, webhookSecret, currency, successURL, cancelURL string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		Currency:      currency,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		WebhookSecret: webhookSecret,
	}
}

// CreateCheckoutSession opens a payment session for the given booking
// reference and amount (whole currency units). Returns the session id
// and the hosted checkout URL.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, bookingRef string, amount int64, purpose string) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.SuccessURL),
		CancelURL:  stripe.String(g.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.Currency),
				UnitAmount: stripe.Int64(amount * 100),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Ride"),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("purpose", purpose)
	params.AddMetadata("booking_ref", bookingRef)
	s, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.ID, s.URL, nil
}

// Refund refunds the full charge behind a payment intent and returns
// the refund id.
func (g *StripeGateway) Refund(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("refund %s: %w", paymentIntentID, err)
	}
	return r.ID, nil
}

// ParseCompletedCheckout verifies a webhook payload and, when it is a
// completed ride-booking checkout, returns the payment record. ok is
// false for valid events the dispatch engine does not care about.
func (g *StripeGateway) ParseCompletedCheckout(payload []byte, signature string) (*CompletedPayment, bool, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.WebhookSecret)
	if err != nil {
		return nil, false, fmt.Errorf("verify webhook: %w", err)
	}
	if event.Type != "checkout.session.completed" {
		return nil, false, nil
	}
	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode checkout session: %w", err)
	}
	if s.Metadata["purpose"] != "book-ride" || s.Metadata["booking_ref"] == "" {
		return nil, false, nil
	}
	cp := &CompletedPayment{
		SessionID:  s.ID,
		Amount:     s.AmountTotal,
		Currency:   string(s.Currency),
		BookingRef: s.Metadata["booking_ref"],
	}
	if s.PaymentIntent != nil {
		cp.PaymentIntentID = s.PaymentIntent.ID
	}
	return cp, true, nil
}
