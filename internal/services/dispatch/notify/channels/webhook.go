// Package channels implements notification channels for the dispatch
// orchestrator.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
)

// Webhook posts a JSON message to the recipient URL.
type Webhook struct {
	client *http.Client
}

// NewWebhook returns a webhook channel. A nil client uses http.DefaultClient.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{client: client}
}

// Name implements notify.Channel.
func (w *Webhook) Name() string { return "webhook" }

type webhookBody struct {
	EventID     string `json:"event_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	ApproveLink string `json:"approve_link,omitempty"`
	DeclineLink string `json:"decline_link,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// Send implements notify.Channel. Client errors other than 408 and 429 are
// permanent.
func (w *Webhook) Send(ctx context.Context, msg notify.Message) (notify.DeliveryResult, error) {
	target := strings.TrimSpace(msg.Recipient)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("webhook recipient %q is not an http url", target))
	}
	payload, err := json.Marshal(webhookBody{
		EventID:     msg.EventID,
		Kind:        string(msg.Kind),
		Title:       msg.Title,
		Body:        msg.Body,
		ApproveLink: msg.Links.Approve,
		DeclineLink: msg.Links.Decline,
		Locale:      msg.Locale,
	})
	if err != nil {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("encode webhook body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.EventID)

	resp, err := w.client.Do(req)
	if err != nil {
		return notify.DeliveryResult{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return notify.DeliveryResult{ProviderID: resp.Header.Get("X-Request-Id")}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return notify.DeliveryResult{}, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
