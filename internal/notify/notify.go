// Package notify delivers entry summaries to residents. The engine only
// depends on the Dispatcher interface; delivery failures never roll back a
// lifecycle transition.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"gatehouse/internal/domain"
)

// Dispatcher alerts a resident that a visitor is at the gate.
type Dispatcher interface {
	Notify(ctx context.Context, residentID string, summary domain.EntrySummary) (domain.DeliveryReceipt, error)
}

func newReceipt(residentID, channel string, now time.Time) domain.DeliveryReceipt {
	return domain.DeliveryReceipt{
		ID:          uuid.New().String(),
		ResidentID:  residentID,
		Channel:     channel,
		DeliveredAt: now.UTC().Format(time.RFC3339),
	}
}

// ConsoleDispatcher logs to the process log. Default channel for local use.
type ConsoleDispatcher struct {
	Now func() time.Time
}

func NewConsole() *ConsoleDispatcher {
	return &ConsoleDispatcher{Now: time.Now}
}

func (c *ConsoleDispatcher) Notify(_ context.Context, residentID string, s domain.EntrySummary) (domain.DeliveryReceipt, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	log.Printf("[notify] resident=%s entry=%s %s %q at flat %s (attempt %d)",
		residentID, s.EntryID, s.Kind, s.VisitorName, s.Flat, s.Attempt)
	return newReceipt(residentID, "console", now()), nil
}
