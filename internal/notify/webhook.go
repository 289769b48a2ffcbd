package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gatehouse/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher POSTs the entry summary to a resident-app endpoint.
type WebhookDispatcher struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(url, secret string) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		Now:    time.Now,
	}
}

type webhookNotification struct {
	ResidentID string              `json:"resident_id"`
	Summary    domain.EntrySummary `json:"summary"`
	SentAt     string              `json:"sent_at"`
}

func (d *WebhookDispatcher) Notify(ctx context.Context, residentID string, s domain.EntrySummary) (domain.DeliveryReceipt, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	body := webhookNotification{
		ResidentID: residentID,
		Summary:    s,
		SentAt:     now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gatehouse-Entry", s.EntryID)
	req.Header.Set("X-Gatehouse-Resident", residentID)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-Gatehouse-Secret", d.Secret)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.DeliveryReceipt{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return newReceipt(residentID, "webhook", now()), nil
}
