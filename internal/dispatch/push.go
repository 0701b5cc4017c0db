package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HTTPInvoicer posts completed-booking details to an external receipt
// generator. Failures are the caller's to log; they never block dispatch.
type HTTPInvoicer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPInvoicer(endpoint string) *HTTPInvoicer {
	return &HTTPInvoicer{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (i *HTTPInvoicer) GenerateInvoice(ctx context.Context, ride models.RideView, payment *models.Payment) error {
	body := map[string]any{"ride": ride}
	if payment != nil {
		body["amount"] = payment.Amount
		body["currency"] = payment.Currency
	}
	return postJSON(ctx, i.Client, i.Endpoint, body)
}

// HTTPMessenger posts booking confirmations to an external email/SMS
// relay, same contract as the invoicer.
type HTTPMessenger struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPMessenger(endpoint string) *HTTPMessenger {
	return &HTTPMessenger{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (m *HTTPMessenger) SendBookingConfirmation(ctx context.Context, riderID string, ride models.RideView) error {
	return postJSON(ctx, m.Client, m.Endpoint, map[string]any{"rider_id": riderID, "ride": ride})
}

func postJSON(ctx context.Context, c *http.Client, endpoint string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
