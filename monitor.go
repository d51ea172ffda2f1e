package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/guregu/null/v5"
)

const (
	// MinMonitorInterval is the shortest allowed period between two probes of a monitor.
	MinMonitorInterval = 10 * time.Second
	// MinMonitorTimeout is the shortest allowed per-probe timeout.
	MinMonitorTimeout = time.Second

	DefaultMonitorInterval       = 30 * time.Second
	DefaultMonitorTimeout        = 10 * time.Second
	DefaultMonitorMethod         = http.MethodGet
	DefaultMonitorExpectedStatus = http.StatusOK
)

type Monitor struct {
	ID             string
	UserID         string
	Name           string
	URL            string
	Method         string
	ExpectedStatus int
	Interval       time.Duration
	Timeout        time.Duration
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WithDefaults fills unset fields with the values a freshly created monitor gets.
func (m Monitor) WithDefaults() Monitor {
	if m.Method == "" {
		m.Method = DefaultMonitorMethod
	}
	if m.ExpectedStatus == 0 {
		m.ExpectedStatus = DefaultMonitorExpectedStatus
	}
	if m.Interval == 0 {
		m.Interval = DefaultMonitorInterval
	}
	if m.Timeout == 0 {
		m.Timeout = DefaultMonitorTimeout
	}
	return m
}

func (m Monitor) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("monitor id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("monitor %s: user id is required", m.ID)
	}
	parsed, err := url.Parse(m.URL)
	if err != nil {
		return fmt.Errorf("monitor %s: parsing url: %w", m.ID, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("monitor %s: url must be an absolute http or https url", m.ID)
	}
	if m.Interval < MinMonitorInterval {
		return fmt.Errorf("monitor %s: interval %s is below the minimum of %s", m.ID, m.Interval, MinMonitorInterval)
	}
	if m.Timeout < MinMonitorTimeout {
		return fmt.Errorf("monitor %s: timeout %s is below the minimum of %s", m.ID, m.Timeout, MinMonitorTimeout)
	}
	if m.ExpectedStatus < 100 || m.ExpectedStatus > 599 {
		return fmt.Errorf("monitor %s: expected status %d is not a valid http status", m.ID, m.ExpectedStatus)
	}
	return nil
}

// scheduleChanged reports whether a job built from other would differ from one built from m.
func (m Monitor) scheduleChanged(other Monitor) bool {
	return m.URL != other.URL ||
		m.Method != other.Method ||
		m.ExpectedStatus != other.ExpectedStatus ||
		m.Interval != other.Interval ||
		m.Timeout != other.Timeout ||
		m.UserID != other.UserID
}

type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// NotificationSettings are the per-user channel toggles. The zero value has every channel off.
type NotificationSettings struct {
	UserID         string
	Email          bool
	Telegram       bool
	TelegramChatID null.String
	Webhook        bool
	WebhookURL     null.String
}

// NotificationTarget is everything the dispatcher needs to reach the owner of a monitor.
type NotificationTarget struct {
	Monitor  Monitor
	Owner    User
	Settings NotificationSettings
}
