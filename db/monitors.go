package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptrack/model"
	"uptrack/safeurl"
)

// CreateMonitor validates and inserts a monitor, schedules its first
// check immediately when active, and auto-attaches the owner's default
// notifiers.
func CreateMonitor(gdb *gorm.DB, m *model.Monitor) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := safeurl.IsSafeURL(m.URL); err != nil {
		return fmt.Errorf("unsafe monitor URL: %w", err)
	}

	if m.Active {
		now := time.Now()
		m.NextCheckAt = &now
	} else {
		m.NextCheckAt = nil
	}
	m.ConfirmedStatus = model.StatusUp

	return gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}

		var defaults []model.Notifier
		if err := tx.Where("user_id = ? AND is_default = ?", m.UserID, true).Find(&defaults).Error; err != nil {
			return err
		}
		for _, n := range defaults {
			pivot := model.MonitorNotifier{MonitorID: m.ID, NotifierID: n.ID}
			if err := tx.Create(&pivot).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateMonitor persists edits. Changing anything the probe depends on
// (URL, method, interval, timeout, expected code) forces an immediate
// re-check by resetting next_check_at to now.
func UpdateMonitor(gdb *gorm.DB, m *model.Monitor) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := safeurl.IsSafeURL(m.URL); err != nil {
		return fmt.Errorf("unsafe monitor URL: %w", err)
	}

	var prev model.Monitor
	if err := gdb.First(&prev, m.ID).Error; err != nil {
		return err
	}

	probeConfigChanged := prev.URL != m.URL ||
		prev.Method != m.Method ||
		prev.Interval != m.Interval ||
		prev.Timeout != m.Timeout ||
		prev.ExpectedStatus != m.ExpectedStatus

	if !m.Active {
		m.NextCheckAt = nil
	} else if probeConfigChanged || prev.NextCheckAt == nil {
		now := time.Now()
		m.NextCheckAt = &now
	} else {
		m.NextCheckAt = prev.NextCheckAt
	}

	// Only the editable columns. The tracker owns confirmed_status, the
	// streak counters and last_checked_at; writing them here would clobber
	// state a probe job may have just committed.
	return gdb.Model(&model.Monitor{}).Where("id = ?", m.ID).Updates(map[string]any{
		"name":               m.Name,
		"url":                m.URL,
		"method":             m.Method,
		"interval":           m.Interval,
		"timeout":            m.Timeout,
		"expected_status":    m.ExpectedStatus,
		"failure_threshold":  m.FailureThreshold,
		"recovery_threshold": m.RecoveryThreshold,
		"active":             m.Active,
		"next_check_at":      m.NextCheckAt,
	}).Error
}

// SetMonitorActive toggles the active flag, recomputing or clearing the
// next check time.
func SetMonitorActive(gdb *gorm.DB, monitorID uint, active bool) error {
	updates := map[string]any{"active": active}
	if active {
		updates["next_check_at"] = time.Now()
	} else {
		updates["next_check_at"] = nil
	}
	return gdb.Model(&model.Monitor{}).Where("id = ?", monitorID).Updates(updates).Error
}

// DeleteMonitor removes the monitor and everything hanging off it:
// checks, incidents, rollups, notifier attachments and delivery records.
func DeleteMonitor(gdb *gorm.DB, monitorID uint) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		for _, target := range []any{
			&model.MonitorCheck{},
			&model.Incident{},
			&model.DailyUptimeRollup{},
			&model.MonitorNotifier{},
			&model.NotificationDelivery{},
		} {
			if err := tx.Where("monitor_id = ?", monitorID).Delete(target).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&model.Monitor{}, monitorID).Error
	})
}

// AttachNotifier links a notifier to a monitor. Re-attaching an excluded
// pair clears the exclusion flag.
func AttachNotifier(gdb *gorm.DB, monitorID, notifierID uint) error {
	return gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "monitor_id"}, {Name: "notifier_id"}},
		DoUpdates: clause.Assignments(map[string]any{"is_excluded": false}),
	}).Create(&model.MonitorNotifier{MonitorID: monitorID, NotifierID: notifierID}).Error
}

// ExcludeNotifier turns an apply-to-all (or attached) notifier off for a
// single monitor without detaching it.
func ExcludeNotifier(gdb *gorm.DB, monitorID, notifierID uint) error {
	return gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "monitor_id"}, {Name: "notifier_id"}},
		DoUpdates: clause.Assignments(map[string]any{"is_excluded": true}),
	}).Create(&model.MonitorNotifier{MonitorID: monitorID, NotifierID: notifierID, IsExcluded: true}).Error
}

// PruneChecks deletes raw checks older than the retention window.
func PruneChecks(gdb *gorm.DB, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()
	res := gdb.Where("checked_at < ?", cutoff).Delete(&model.MonitorCheck{})
	return res.RowsAffected, res.Error
}
