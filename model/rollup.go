package model

import "time"

// DailyUptimeRollup is one monitor's aggregate for one day. Unique per
// (monitor, date); the response time stats only cover checks that had a
// response, so a day of pure connection failures has zeroed latency
// fields but a real uptime percentage.
type DailyUptimeRollup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MonitorID uint      `gorm:"uniqueIndex:idx_rollup_monitor_date" json:"monitor_id"`
	Date      time.Time `gorm:"uniqueIndex:idx_rollup_monitor_date" json:"date"` // calendar date as UTC midnight

	TotalChecks      int     `json:"total_checks"`
	SuccessfulChecks int     `json:"successful_checks"`
	UptimePercent    float64 `json:"uptime_percent"` // rounded to 2 decimals, 100.00 when TotalChecks is 0

	AvgResponseTimeMs int `json:"avg_response_time_ms"`
	MinResponseTimeMs int `json:"min_response_time_ms"`
	MaxResponseTimeMs int `json:"max_response_time_ms"`
}

type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username string `gorm:"uniqueIndex" json:"username"`
	Password string `json:"-"`

	// Timezone is an IANA zone name; empty means the server default.
	Timezone string `json:"timezone"`

	// RollupRecomputedAt records the last timezone-aware recompute so a
	// sweep with no new checks can be skipped.
	RollupRecomputedAt *time.Time `json:"rollup_recomputed_at"`
}

type Setting struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Key   string `gorm:"uniqueIndex" json:"key"`
	Value string `json:"value"`
}
