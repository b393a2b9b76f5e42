package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"uptrack/db"
	"uptrack/events"
	"uptrack/model"
	"uptrack/notify"
	"uptrack/probe"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(":memory:")
	require.NoError(t, err)
	return gdb
}

// recordingBus captures emitted signals for assertions.
type recordingBus struct {
	mu        sync.Mutex
	completed []uint
	opened    []uint
	resolved  []uint
}

func (b *recordingBus) CheckCompleted(monitorID uint, _ *model.MonitorCheck) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, monitorID)
}

func (b *recordingBus) IncidentOpened(monitorID uint, _ *model.Incident) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, monitorID)
}

func (b *recordingBus) IncidentResolved(monitorID uint, _ *model.Incident) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, monitorID)
}

func testScheduler(gdb *gorm.DB, bus events.Bus, opts ...Option) *Scheduler {
	executor := probe.NewExecutor(probe.WithDialControl(nil))
	return New(gdb, executor, notify.NewDispatcher(gdb), bus, opts...)
}

func seedDueMonitor(t *testing.T, gdb *gorm.DB, url string) *model.Monitor {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	m := &model.Monitor{
		UserID:            1,
		Name:              "api",
		URL:               url,
		Method:            "GET",
		Interval:          60,
		Timeout:           5,
		ExpectedStatus:    200,
		FailureThreshold:  1,
		RecoveryThreshold: 1,
		Active:            true,
		ConfirmedStatus:   model.StatusUp,
		NextCheckAt:       &past,
	}
	require.NoError(t, gdb.Create(m).Error)
	return m
}

func TestNextCheckTime(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Normal case: advance one interval from the scheduled slot.
	scheduled := now.Add(-10 * time.Second)
	next := NextCheckTime(&scheduled, 60, now)
	assert.True(t, next.Equal(scheduled.Add(60*time.Second)))

	// Missed cycles jump to the next future slot, never a catch-up burst.
	stale := now.Add(-150 * time.Second)
	next = NextCheckTime(&stale, 60, now)
	assert.True(t, next.After(now))
	assert.True(t, next.Sub(now) <= 60*time.Second)
	assert.True(t, next.Equal(stale.Add(3*60*time.Second)))

	// Never scheduled before: anchor on now.
	next = NextCheckTime(nil, 300, now)
	assert.True(t, next.Equal(now.Add(300*time.Second)))

	// A slot exactly at now is not "after now" and is skipped.
	atNow := now
	next = NextCheckTime(&atNow, 60, now)
	assert.True(t, next.Equal(now.Add(60*time.Second)))
}

func TestTickProbesDueMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	m := seedDueMonitor(t, gdb, srv.URL)

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))

	var reloaded model.Monitor
	require.NoError(t, gdb.First(&reloaded, m.ID).Error)
	assert.Equal(t, model.StatusUp, reloaded.ConfirmedStatus)
	require.NotNil(t, reloaded.LastCheckedAt)
	require.NotNil(t, reloaded.NextCheckAt)
	assert.True(t, reloaded.NextCheckAt.After(time.Now()))

	var checks int64
	gdb.Model(&model.MonitorCheck{}).Where("monitor_id = ?", m.ID).Count(&checks)
	assert.Equal(t, int64(1), checks)

	assert.Equal(t, []uint{m.ID}, bus.completed)
	assert.Empty(t, bus.opened)
}

func TestTickOpensAndResolvesIncident(t *testing.T) {
	var healthy bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gdb := testDB(t)
	m := seedDueMonitor(t, gdb, srv.URL)

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []uint{m.ID}, bus.opened)

	var open int64
	gdb.Model(&model.Incident{}).Where("monitor_id = ? AND ended_at IS NULL", m.ID).Count(&open)
	assert.Equal(t, int64(1), open)

	// Recovery: mark the monitor due again and flip the endpoint up.
	mu.Lock()
	healthy = true
	mu.Unlock()
	past := time.Now().Add(-time.Second)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", m.ID).
		Update("next_check_at", past).Error)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []uint{m.ID}, bus.resolved)

	gdb.Model(&model.Incident{}).Where("monitor_id = ? AND ended_at IS NULL", m.ID).Count(&open)
	assert.Equal(t, int64(0), open)
}

func TestTickHonorsDispatchLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	for i := 0; i < 5; i++ {
		seedDueMonitor(t, gdb, srv.URL)
	}

	bus := &recordingBus{}
	s := testScheduler(gdb, bus, WithDispatchLimit(2))
	require.NoError(t, s.Tick(context.Background()))

	// Two dispatched; the rest stay due for the next tick.
	assert.Len(t, bus.completed, 2)
	var due int64
	gdb.Model(&model.Monitor{}).
		Where("active = ? AND next_check_at <= ?", true, time.Now()).
		Count(&due)
	assert.Equal(t, int64(3), due)
}

func TestTickSkipsInactiveAndFutureMonitors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	paused := seedDueMonitor(t, gdb, srv.URL)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", paused.ID).
		Update("active", false).Error)

	future := seedDueMonitor(t, gdb, srv.URL)
	later := time.Now().Add(time.Hour)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", future.ID).
		Update("next_check_at", later).Error)

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, bus.completed)
}

func TestTickSuppressedInTestMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	seedDueMonitor(t, gdb, srv.URL)
	require.NoError(t, db.SetTestMode(gdb, true))

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, bus.completed)

	var checks int64
	gdb.Model(&model.MonitorCheck{}).Count(&checks)
	assert.Equal(t, int64(0), checks)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	seedDueMonitor(t, gdb, srv.URL)

	// Simulate a live tick by planting an unexpired token.
	expiry := time.Now().Add(time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, db.SetSetting(gdb, TickLockKey, expiry))

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, bus.completed)

	// Token survives the skipped tick.
	v, err := db.GetSetting(gdb, TickLockKey)
	require.NoError(t, err)
	assert.Equal(t, expiry, v)
}

func TestTickReclaimsExpiredLock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	m := seedDueMonitor(t, gdb, srv.URL)

	// A crashed tick left an expired token behind.
	stale := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, db.SetSetting(gdb, TickLockKey, stale))

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []uint{m.ID}, bus.completed)

	// Lock released after the run.
	v, err := db.GetSetting(gdb, TickLockKey)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestAcquireLockAfterRelease(t *testing.T) {
	gdb := testDB(t)
	s := testScheduler(gdb, &recordingBus{})

	ok, err := s.acquireLock()
	require.NoError(t, err)
	require.True(t, ok)

	// Held and unexpired: a second claim loses.
	ok, err = s.acquireLock()
	require.NoError(t, err)
	assert.False(t, ok)

	// Released: the next claim must win again.
	s.releaseLock()
	ok, err = s.acquireLock()
	require.NoError(t, err)
	assert.True(t, ok)
	s.releaseLock()
}

func TestConsecutiveTicksBothDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gdb := testDB(t)
	m := seedDueMonitor(t, gdb, srv.URL)

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))

	past := time.Now().Add(-time.Second)
	require.NoError(t, gdb.Model(&model.Monitor{}).Where("id = ?", m.ID).
		Update("next_check_at", past).Error)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []uint{m.ID, m.ID}, bus.completed)
}

func TestTickSkipsMonitorDeletedAfterDispatch(t *testing.T) {
	gdb := testDB(t)
	m := seedDueMonitor(t, gdb, "http://example.com")
	require.NoError(t, gdb.Delete(&model.Monitor{}, m.ID).Error)

	bus := &recordingBus{}
	s := testScheduler(gdb, bus)
	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, bus.completed)
}
