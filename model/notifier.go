package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type NotifierType string

const (
	NotifierDiscord NotifierType = "discord"
	NotifierEmail   NotifierType = "email"
)

var discordWebhookPattern = regexp.MustCompile(`^https://discord\.com/api/webhooks/\d+/[A-Za-z0-9_-]+$`)

type Notifier struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint         `gorm:"index" json:"user_id"`
	Name   string       `json:"name"`
	Type   NotifierType `json:"type"`
	Config string       `json:"config"` // JSON blob, decoded per Type

	Active     bool `json:"active"`
	IsDefault  bool `json:"is_default"` // auto-attach to new monitors
	ApplyToAll bool `json:"apply_to_all"`
}

// MonitorNotifier attaches a notifier to a monitor. IsExcluded lets an
// apply-to-all notifier be switched off for a single monitor without
// losing the apply-to-all designation.
type MonitorNotifier struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	MonitorID  uint `gorm:"uniqueIndex:idx_monitor_notifier" json:"monitor_id"`
	NotifierID uint `gorm:"uniqueIndex:idx_monitor_notifier" json:"notifier_id"`
	IsExcluded bool `json:"is_excluded" gorm:"default:false"`
}

// NotificationDelivery is the dedup ledger for outbound sends. The unique
// index makes re-processing a transition an insert no-op instead of a
// duplicate delivery.
type NotificationDelivery struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MonitorID  uint      `gorm:"uniqueIndex:idx_delivery_key" json:"monitor_id"`
	NotifierID uint      `gorm:"uniqueIndex:idx_delivery_key" json:"notifier_id"`
	Status     int       `gorm:"uniqueIndex:idx_delivery_key" json:"status"`
	CheckID    uint      `gorm:"uniqueIndex:idx_delivery_key" json:"check_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotifierConfig is the decoded, type-checked form of Notifier.Config.
type NotifierConfig interface {
	Validate() error
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func (c DiscordConfig) Validate() error {
	if strings.TrimSpace(c.WebhookURL) == "" {
		return fmt.Errorf("discord webhook URL is empty")
	}
	if !discordWebhookPattern.MatchString(c.WebhookURL) {
		return fmt.Errorf("not a discord.com webhook URL")
	}
	return nil
}

type EmailConfig struct {
	Address string `json:"address"`
}

func (c EmailConfig) Validate() error {
	addr := strings.TrimSpace(c.Address)
	if addr == "" {
		return fmt.Errorf("email address is empty")
	}
	if !strings.Contains(addr, "@") {
		return fmt.Errorf("email address %q is malformed", addr)
	}
	return nil
}

// ParseConfig decodes the raw config blob into the variant for the
// notifier's type and validates it.
func (n *Notifier) ParseConfig() (NotifierConfig, error) {
	switch n.Type {
	case NotifierDiscord:
		var cfg DiscordConfig
		if err := json.Unmarshal([]byte(n.Config), &cfg); err != nil {
			return nil, fmt.Errorf("decode discord config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	case NotifierEmail:
		var cfg EmailConfig
		if err := json.Unmarshal([]byte(n.Config), &cfg); err != nil {
			return nil, fmt.Errorf("decode email config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown notifier type %q", n.Type)
	}
}
