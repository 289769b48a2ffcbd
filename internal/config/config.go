package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gatehouse.yml.
type Config struct {
	Gate struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"gate"`
	Lifecycle struct {
		RingTimeoutSeconds int `yaml:"ring_timeout_seconds"`
		MaxAttempts        int `yaml:"max_attempts"`
		SweepEverySeconds  int `yaml:"sweep_every_seconds"`
	} `yaml:"lifecycle"`
	Notify struct {
		Channel string `yaml:"channel"` // console, webhook or nats
		Webhook struct {
			URL    string `yaml:"url"`
			Secret string `yaml:"secret"`
		} `yaml:"webhook"`
		NATS struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"notify"`
	RBAC struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// RingTimeout returns the per-attempt ring timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Lifecycle.RingTimeoutSeconds) * time.Second
}

// SweepInterval returns how often the expiry sweep should run.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Lifecycle.SweepEverySeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Gate.ID == "" {
		return fmt.Errorf("config.gate.id is required")
	}
	if c.Lifecycle.RingTimeoutSeconds <= 0 {
		return fmt.Errorf("config.lifecycle.ring_timeout_seconds must be positive")
	}
	if c.Lifecycle.MaxAttempts <= 0 {
		return fmt.Errorf("config.lifecycle.max_attempts must be positive")
	}
	switch c.Notify.Channel {
	case "", "console":
	case "webhook":
		if c.Notify.Webhook.URL == "" {
			return fmt.Errorf("config.notify.webhook.url required for webhook channel")
		}
	case "nats":
		if c.Notify.NATS.URL == "" {
			return fmt.Errorf("config.notify.nats.url required for nats channel")
		}
	default:
		return fmt.Errorf("config.notify.channel must be console, webhook or nats")
	}
	if len(c.RBAC.Roles) > 0 {
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		for _, required := range []string{"guard", "resident", "system"} {
			if _, ok := c.RBAC.Roles[required]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", required)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gatehouse.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gh gate config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a gate.
func Default(gateID string) *Config {
	var cfg Config
	cfg.Gate.ID = gateID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, gateID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(gateID string) string {
	return fmt.Sprintf(defaultTemplate, gateID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `gate:
  id: %s
  name: Main Gate

lifecycle:
  # One ring cycle before an unanswered call counts against the visitor.
  ring_timeout_seconds: 60
  max_attempts: 3
  sweep_every_seconds: 30

notify:
  channel: console

rbac:
  roles:
    guard:
      description: "Security desk at the gate"
      permissions:
        - entry.create
        - entry.call
        - entry.checkin
        - entry.checkout
        - entry.cancel
        - entry.read
        - entry.list
        - pass.read
    resident:
      description: "Flat owner or tenant"
      permissions:
        - entry.approve
        - entry.reject
        - entry.cancel
        - entry.read
        - entry.list
        - pass.issue
        - pass.read
    system:
      description: "Background sweep and integrations"
      permissions:
        - entry.sweep
        - entry.read
        - entry.list
        - event.read
    admin:
      description: "Society administration"
      permissions:
        - gate.manage
        - resident.manage
        - event.read
        - entry.read
        - entry.list
        - pass.read
`
