package model

import (
	"fmt"
	"strings"
	"time"
)

// Check status values. Stored as ints to keep check rows compact.
const (
	StatusDown = 0
	StatusUp   = 1
)

const (
	MinTimeoutSeconds = 5
	MaxTimeoutSeconds = 120
	MinThreshold      = 1
	MaxThreshold      = 10
)

// AllowedIntervals is the fixed set of check intervals, in seconds.
var AllowedIntervals = map[int]bool{
	60:    true,
	300:   true,
	900:   true,
	1800:  true,
	3600:  true,
	10800: true,
	21600: true,
	43200: true,
	86400: true,
}

type Monitor struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint   `gorm:"index" json:"user_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Method string `json:"method" gorm:"default:'GET'"`

	Interval       int `json:"interval"` // seconds, one of AllowedIntervals
	Timeout        int `json:"timeout" gorm:"default:10"`
	ExpectedStatus int `json:"expected_status" gorm:"default:200"`

	// Consecutive-check confirmation thresholds. 1 means a single check
	// flips the state immediately.
	FailureThreshold  int `json:"failure_threshold" gorm:"default:1"`
	RecoveryThreshold int `json:"recovery_threshold" gorm:"default:1"`

	// No gorm default: a default tag on a plain bool makes gorm omit the
	// zero value at insert, turning a paused create into an active row.
	Active bool `json:"active"`

	// ConfirmedStatus is the last state the incident tracker committed to.
	// A never-checked monitor counts as up so the first check can never be
	// a down transition by itself.
	ConfirmedStatus  int `json:"confirmed_status" gorm:"default:1"`
	ConsecutiveFails int `json:"consecutive_fails" gorm:"default:0"`
	ConsecutiveUps   int `json:"consecutive_ups" gorm:"default:0"`

	LastCheckedAt *time.Time `json:"last_checked_at"`
	NextCheckAt   *time.Time `gorm:"index" json:"next_check_at"`
}

// Validate enforces the configuration ranges the probe pipeline assumes.
func (m *Monitor) Validate() error {
	method := strings.ToUpper(m.Method)
	if method != "GET" && method != "HEAD" {
		return fmt.Errorf("method must be GET or HEAD, got %q", m.Method)
	}
	if !AllowedIntervals[m.Interval] {
		return fmt.Errorf("interval %d is not an allowed value", m.Interval)
	}
	if m.Timeout < MinTimeoutSeconds || m.Timeout > MaxTimeoutSeconds {
		return fmt.Errorf("timeout must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if m.ExpectedStatus < 100 || m.ExpectedStatus > 599 {
		return fmt.Errorf("expected status code must be between 100 and 599")
	}
	if m.FailureThreshold < MinThreshold || m.FailureThreshold > MaxThreshold {
		return fmt.Errorf("failure threshold must be between %d and %d", MinThreshold, MaxThreshold)
	}
	if m.RecoveryThreshold < MinThreshold || m.RecoveryThreshold > MaxThreshold {
		return fmt.Errorf("recovery threshold must be between %d and %d", MinThreshold, MaxThreshold)
	}
	return nil
}

type MonitorCheck struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	MonitorID uint `gorm:"index:idx_checks_monitor_time" json:"monitor_id"`

	Status     int `json:"status"` // StatusUp or StatusDown
	StatusCode int `json:"status_code"`

	// ResponseTimeMs is nil when the probe never got a response.
	ResponseTimeMs *int   `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message"`

	CheckedAt time.Time `gorm:"index:idx_checks_monitor_time" json:"checked_at"`
}

func StatusString(status int) string {
	if status == StatusUp {
		return "up"
	}
	return "down"
}
