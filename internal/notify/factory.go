package notify

import (
	"fmt"

	"gatehouse/internal/config"
)

// FromConfig returns the dispatcher selected by the gate config.
func FromConfig(cfg *config.Config) (Dispatcher, error) {
	if cfg == nil {
		return NewConsole(), nil
	}
	switch cfg.Notify.Channel {
	case "", "console":
		return NewConsole(), nil
	case "webhook":
		return NewWebhook(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Secret), nil
	case "nats":
		return NewNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
	default:
		return nil, fmt.Errorf("unknown notify channel %q", cfg.Notify.Channel)
	}
}
