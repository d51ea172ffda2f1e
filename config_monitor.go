package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/guregu/null/v5"
)

type MonitorEntry struct {
	ID             string `yaml:"id"`
	UserID         string `yaml:"user_id"`
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Method         string `yaml:"method"`
	ExpectedStatus int    `yaml:"expected_status"`
	// Interval and Timeout are Go duration strings such as "30s" or "1m".
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

type NotificationEntry struct {
	Email          bool        `yaml:"email"`
	Telegram       bool        `yaml:"telegram"`
	TelegramChatID null.String `yaml:"telegram_chat_id"`
	Webhook        bool        `yaml:"webhook"`
	WebhookURL     null.String `yaml:"webhook_url"`
}

type UserEntry struct {
	ID            string             `yaml:"id"`
	Email         string             `yaml:"email"`
	Name          string             `yaml:"name"`
	Notifications *NotificationEntry `yaml:"notifications"`
}

type MonitorConfig struct {
	Users    []UserEntry    `yaml:"users"`
	Monitors []MonitorEntry `yaml:"monitors"`
}

func LoadMonitorConfig(path string) (MonitorConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return MonitorConfig{}, fmt.Errorf("reading monitor config: %w", err)
	}

	var config MonitorConfig
	if err := yaml.Unmarshal(content, &config); err != nil {
		return MonitorConfig{}, fmt.Errorf("unmarshaling monitor config: %w", err)
	}
	return config, nil
}

func (u UserEntry) User() User {
	return User{ID: u.ID, Email: u.Email, Name: u.Name}
}

func (u UserEntry) Settings() NotificationSettings {
	settings := NotificationSettings{UserID: u.ID}
	if u.Notifications != nil {
		settings.Email = u.Notifications.Email
		settings.Telegram = u.Notifications.Telegram
		settings.TelegramChatID = u.Notifications.TelegramChatID
		settings.Webhook = u.Notifications.Webhook
		settings.WebhookURL = u.Notifications.WebhookURL
	}
	return settings
}

// Monitor converts the entry, applies defaults and validates the result.
func (m MonitorEntry) Monitor() (Monitor, error) {
	monitor := Monitor{
		ID:             m.ID,
		UserID:         m.UserID,
		Name:           m.Name,
		URL:            m.URL,
		Method:         m.Method,
		ExpectedStatus: m.ExpectedStatus,
		Active:         m.Active == nil || *m.Active,
	}

	if m.Interval != "" {
		interval, err := time.ParseDuration(m.Interval)
		if err != nil {
			return Monitor{}, fmt.Errorf("monitor %s: parsing interval: %w", m.ID, err)
		}
		monitor.Interval = interval
	}
	if m.Timeout != "" {
		timeout, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return Monitor{}, fmt.Errorf("monitor %s: parsing timeout: %w", m.ID, err)
		}
		monitor.Timeout = timeout
	}

	monitor = monitor.WithDefaults()
	if err := monitor.Validate(); err != nil {
		return Monitor{}, err
	}
	return monitor, nil
}
