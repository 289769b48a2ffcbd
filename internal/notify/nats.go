package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"gatehouse/internal/domain"
)

// NATSDispatcher publishes entry summaries to a NATS subject; a push relay
// downstream turns them into device notifications.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
	Now     func() time.Time
}

// NewNATS connects with automatic reconnection support.
func NewNATS(url, subject string) (*NATSDispatcher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if subject == "" {
		subject = "gatehouse.notify"
	}
	return &NATSDispatcher{conn: nc, subject: subject, Now: time.Now}, nil
}

func (d *NATSDispatcher) Notify(_ context.Context, residentID string, s domain.EntrySummary) (domain.DeliveryReceipt, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	msg := struct {
		ResidentID string              `json:"resident_id"`
		Summary    domain.EntrySummary `json:"summary"`
		SentAt     string              `json:"sent_at"`
	}{
		ResidentID: residentID,
		Summary:    s,
		SentAt:     now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("marshaling notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", d.subject, residentID)
	if err := d.conn.Publish(subject, data); err != nil {
		return domain.DeliveryReceipt{}, err
	}
	return newReceipt(residentID, "nats", now()), nil
}

func (d *NATSDispatcher) Close() error {
	d.conn.Close()
	return nil
}
