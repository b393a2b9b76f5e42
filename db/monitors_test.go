package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"uptrack/model"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Open(":memory:")
	require.NoError(t, err)
	return gdb
}

// validMonitor uses a public literal-IP URL so create-time validation
// never needs DNS.
func validMonitor(userID uint) *model.Monitor {
	return &model.Monitor{
		UserID:            userID,
		Name:              "api",
		URL:               "https://93.184.216.34/health",
		Method:            "GET",
		Interval:          300,
		Timeout:           10,
		ExpectedStatus:    200,
		FailureThreshold:  1,
		RecoveryThreshold: 1,
		Active:            true,
	}
}

func TestCreateMonitor(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))
	require.NotNil(t, m.NextCheckAt)
	assert.False(t, m.NextCheckAt.After(time.Now()))
	assert.Equal(t, model.StatusUp, m.ConfirmedStatus)

	paused := validMonitor(1)
	paused.Active = false
	require.NoError(t, CreateMonitor(gdb, paused))
	assert.Nil(t, paused.NextCheckAt)

	// The inactive flag must survive the insert and keep the monitor out
	// of the due set.
	var reloaded model.Monitor
	require.NoError(t, gdb.First(&reloaded, paused.ID).Error)
	assert.False(t, reloaded.Active)
	assert.Nil(t, reloaded.NextCheckAt)
}

func TestCreateMonitorRejectsInvalidConfig(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	m.Method = "POST"
	assert.Error(t, CreateMonitor(gdb, m))

	m = validMonitor(1)
	m.Interval = 42
	assert.Error(t, CreateMonitor(gdb, m))

	m = validMonitor(1)
	m.Timeout = 3
	assert.Error(t, CreateMonitor(gdb, m))

	m = validMonitor(1)
	m.ExpectedStatus = 999
	assert.Error(t, CreateMonitor(gdb, m))

	m = validMonitor(1)
	m.FailureThreshold = 11
	assert.Error(t, CreateMonitor(gdb, m))
}

func TestCreateMonitorRejectsUnsafeURL(t *testing.T) {
	gdb := testDB(t)

	for _, url := range []string{
		"http://127.0.0.1:8080/health",
		"http://localhost/health",
		"http://169.254.169.254/latest/meta-data/",
		"ftp://example.com/file",
	} {
		m := validMonitor(1)
		m.URL = url
		assert.Error(t, CreateMonitor(gdb, m), url)
	}

	var count int64
	gdb.Model(&model.Monitor{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCreateMonitorAttachesDefaultNotifiers(t *testing.T) {
	gdb := testDB(t)

	def := &model.Notifier{
		UserID: 1, Name: "default", Type: model.NotifierEmail,
		Config: `{"address":"ops@example.com"}`, Active: true, IsDefault: true,
	}
	require.NoError(t, gdb.Create(def).Error)
	other := &model.Notifier{
		UserID: 2, Name: "other-user-default", Type: model.NotifierEmail,
		Config: `{"address":"x@example.com"}`, Active: true, IsDefault: true,
	}
	require.NoError(t, gdb.Create(other).Error)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))

	var pivots []model.MonitorNotifier
	require.NoError(t, gdb.Where("monitor_id = ?", m.ID).Find(&pivots).Error)
	require.Len(t, pivots, 1)
	assert.Equal(t, def.ID, pivots[0].NotifierID)
	assert.False(t, pivots[0].IsExcluded)
}

func TestUpdateMonitorResetsNextCheckOnProbeChange(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))

	future := time.Now().Add(time.Hour)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", m.ID).
		Update("next_check_at", future).Error)

	// A rename alone keeps the schedule.
	var cur model.Monitor
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	cur.Name = "renamed"
	require.NoError(t, UpdateMonitor(gdb, &cur))
	require.NotNil(t, cur.NextCheckAt)
	assert.True(t, cur.NextCheckAt.After(time.Now().Add(30*time.Minute)))

	// Changing the URL forces an immediate re-check.
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	cur.URL = "https://93.184.216.35/health"
	require.NoError(t, UpdateMonitor(gdb, &cur))
	require.NotNil(t, cur.NextCheckAt)
	assert.False(t, cur.NextCheckAt.After(time.Now()))

	// Deactivating clears it.
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	cur.Active = false
	require.NoError(t, UpdateMonitor(gdb, &cur))
	assert.Nil(t, cur.NextCheckAt)
}

func TestUpdateMonitorPreservesTrackerState(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))

	lastChecked := time.Now().Add(-time.Minute)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", m.ID).Updates(map[string]any{
		"confirmed_status":  model.StatusDown,
		"consecutive_fails": 3,
		"last_checked_at":   lastChecked,
	}).Error)

	// An edit built from caller input carries zero-valued tracker fields;
	// persisting it must not reset them.
	edit := validMonitor(1)
	edit.ID = m.ID
	edit.Name = "renamed"
	require.NoError(t, UpdateMonitor(gdb, edit))

	var cur model.Monitor
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	assert.Equal(t, "renamed", cur.Name)
	assert.Equal(t, model.StatusDown, cur.ConfirmedStatus)
	assert.Equal(t, 3, cur.ConsecutiveFails)
	require.NotNil(t, cur.LastCheckedAt)
}

func TestSetMonitorActive(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))

	require.NoError(t, SetMonitorActive(gdb, m.ID, false))
	var cur model.Monitor
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	assert.False(t, cur.Active)
	assert.Nil(t, cur.NextCheckAt)

	require.NoError(t, SetMonitorActive(gdb, m.ID, true))
	require.NoError(t, gdb.First(&cur, m.ID).Error)
	assert.True(t, cur.Active)
	require.NotNil(t, cur.NextCheckAt)
}

func TestDeleteMonitorCascades(t *testing.T) {
	gdb := testDB(t)

	m := validMonitor(1)
	require.NoError(t, CreateMonitor(gdb, m))

	now := time.Now()
	ended := now
	require.NoError(t, gdb.Create(&model.MonitorCheck{MonitorID: m.ID, Status: model.StatusUp, CheckedAt: now}).Error)
	require.NoError(t, gdb.Create(&model.Incident{MonitorID: m.ID, StartedAt: now, EndedAt: &ended}).Error)
	require.NoError(t, gdb.Create(&model.DailyUptimeRollup{MonitorID: m.ID, Date: now, UptimePercent: 100}).Error)
	require.NoError(t, gdb.Create(&model.MonitorNotifier{MonitorID: m.ID, NotifierID: 1}).Error)
	require.NoError(t, gdb.Create(&model.NotificationDelivery{MonitorID: m.ID, NotifierID: 1, Status: model.StatusDown, CheckID: 1}).Error)

	require.NoError(t, DeleteMonitor(gdb, m.ID))

	for _, target := range []any{
		&model.Monitor{}, &model.MonitorCheck{}, &model.Incident{},
		&model.DailyUptimeRollup{}, &model.MonitorNotifier{}, &model.NotificationDelivery{},
	} {
		var count int64
		require.NoError(t, gdb.Model(target).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	}
}

func TestPruneChecks(t *testing.T) {
	gdb := testDB(t)

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now().AddDate(0, 0, -5)
	require.NoError(t, gdb.Create(&model.MonitorCheck{MonitorID: 1, Status: model.StatusUp, CheckedAt: old}).Error)
	require.NoError(t, gdb.Create(&model.MonitorCheck{MonitorID: 1, Status: model.StatusUp, CheckedAt: recent}).Error)

	deleted, err := PruneChecks(gdb, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []model.MonitorCheck
	require.NoError(t, gdb.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].CheckedAt.After(old))
}

func TestSettingsRoundTrip(t *testing.T) {
	gdb := testDB(t)

	v, err := GetSetting(gdb, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, SetSetting(gdb, "k", "v1"))
	require.NoError(t, SetSetting(gdb, "k", "v2"))
	v, err = GetSetting(gdb, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	assert.False(t, TestModeEnabled(gdb))
	require.NoError(t, SetTestMode(gdb, true))
	assert.True(t, TestModeEnabled(gdb))
	require.NoError(t, SetTestMode(gdb, false))
	assert.False(t, TestModeEnabled(gdb))
}
