package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"uptrack/db"
	"uptrack/events"
	"uptrack/incident"
	"uptrack/model"
	"uptrack/notify"
	"uptrack/pkg/logger"
	"uptrack/probe"
)

const (
	// TickLockKey holds the persisted single-flight token. A tick that
	// finds a live token skips instead of queueing behind it.
	TickLockKey = "scheduler_tick_lock"

	DefaultTickInterval = time.Minute
	DefaultLockTTL      = 2 * time.Minute

	// jobTimeout bounds one probe job end to end, separate from the
	// per-monitor HTTP timeout, so a hang cannot occupy a worker forever.
	jobTimeout = 2 * time.Minute

	persistAttempts = 3
)

type Scheduler struct {
	db            *gorm.DB
	executor      *probe.Executor
	dispatcher    *notify.Dispatcher
	bus           events.Bus
	dispatchLimit int
	workers       int
	lockTTL       time.Duration
	nowFn         func() time.Time
}

type Option func(*Scheduler)

func WithDispatchLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.dispatchLimit = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithClock swaps the time source. Tests use it to simulate missed cycles.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = fn }
}

func New(gdb *gorm.DB, executor *probe.Executor, dispatcher *notify.Dispatcher, bus events.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:            gdb,
		executor:      executor,
		dispatcher:    dispatcher,
		bus:           bus,
		dispatchLimit: 500,
		workers:       16,
		lockTTL:       DefaultLockTTL,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks on a fixed cadence until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Check scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.Error("Scheduler tick failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("Check scheduler stopped")
			return
		}
	}
}

// Tick dispatches probes for every due monitor, up to the per-run cap.
// Monitors beyond the cap keep their stale next_check_at and are simply
// picked up by a later tick. Overlapping ticks are skipped via the
// persisted lock, and test mode suppresses dispatch entirely.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.TickLimit(ctx, s.dispatchLimit)
}

// TickLimit is Tick with a one-off dispatch cap, used by the admin
// dispatch command's limit override.
func (s *Scheduler) TickLimit(ctx context.Context, limit int) error {
	if db.TestModeEnabled(s.db) {
		logger.Debug("Test mode enabled, skipping dispatch")
		return nil
	}

	acquired, err := s.acquireLock()
	if err != nil {
		return fmt.Errorf("acquire tick lock: %w", err)
	}
	if !acquired {
		logger.Warn("Previous tick still running, skipping")
		return nil
	}
	defer s.releaseLock()

	now := s.nowFn()
	var due []model.Monitor
	err = s.db.
		Where("active = ? AND (next_check_at IS NULL OR next_check_at <= ?)", true, now).
		Order("id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("query due monitors: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	logger.Info("Dispatching due checks", zap.Int("count", len(due)))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, m := range due {
		monitorID := m.ID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runProbeJob(ctx, monitorID)
		}()
	}
	wg.Wait()
	return nil
}

// runProbeJob executes one probe and persists its outcome. The check
// save, incident transition and monitor bookkeeping share a transaction;
// the signals and notification fan-out happen only after it commits.
func (s *Scheduler) runProbeJob(ctx context.Context, monitorID uint) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	// Reload: the monitor may have been edited, paused or deleted
	// between dispatch and execution. That is a no-op, not an error.
	var m model.Monitor
	if err := s.db.First(&m, monitorID).Error; err != nil {
		return
	}
	if !m.Active {
		return
	}

	result := s.executor.Execute(jobCtx, &m)

	check := model.MonitorCheck{
		MonitorID:      m.ID,
		Status:         result.Status,
		StatusCode:     result.StatusCode,
		ResponseTimeMs: result.ResponseTimeMs,
		ErrorMessage:   result.ErrorMessage,
		CheckedAt:      result.CheckedAt,
	}

	var sig incident.Signals
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		sig, err = s.persistCheck(&m, &check)
		if err == nil {
			break
		}
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
	if err != nil {
		// Abandon; the monitor stays due and the next tick retries it.
		logger.Error("Failed to persist check, abandoning job",
			zap.Uint("monitorID", m.ID),
			zap.String("url", m.URL),
			zap.Error(err))
		return
	}

	s.bus.CheckCompleted(m.ID, &check)
	if sig.Opened != nil {
		s.bus.IncidentOpened(m.ID, sig.Opened)
		s.dispatcher.Dispatch(&m, &check, model.StatusDown)
	}
	if sig.Resolved != nil {
		s.bus.IncidentResolved(m.ID, sig.Resolved)
		s.dispatcher.Dispatch(&m, &check, model.StatusUp)
	}

	logger.Info("Check finished",
		zap.Uint("monitorID", m.ID),
		zap.String("status", model.StatusString(check.Status)),
		zap.String("msg", check.ErrorMessage))
}

func (s *Scheduler) persistCheck(m *model.Monitor, check *model.MonitorCheck) (incident.Signals, error) {
	var sig incident.Signals
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(check).Error; err != nil {
			return err
		}

		var err error
		sig, err = incident.Process(tx, m, check)
		if err != nil {
			return err
		}

		now := s.nowFn()
		next := NextCheckTime(m.NextCheckAt, m.Interval, now)
		checkedAt := check.CheckedAt

		return tx.Model(&model.Monitor{}).Where("id = ?", m.ID).Updates(map[string]any{
			"last_checked_at":   checkedAt,
			"next_check_at":     next,
			"confirmed_status":  m.ConfirmedStatus,
			"consecutive_fails": m.ConsecutiveFails,
			"consecutive_ups":   m.ConsecutiveUps,
		}).Error
	})
	return sig, err
}

// NextCheckTime advances from the previous *scheduled* slot, not the
// wall-clock completion time, so intervals do not drift. A monitor that
// missed several cycles jumps to the next future slot instead of firing
// a burst of catch-up checks.
func NextCheckTime(scheduled *time.Time, intervalSeconds int, now time.Time) time.Time {
	interval := time.Duration(intervalSeconds) * time.Second
	base := now
	if scheduled != nil {
		base = *scheduled
	}
	next := base.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// acquireLock claims the tick token if it is absent or expired. The
// token value is its own expiry; claiming is a compare-and-swap on the
// previous value so two racing ticks cannot both win.
func (s *Scheduler) acquireLock() (bool, error) {
	now := s.nowFn()
	expiry := now.Add(s.lockTTL).Format(time.RFC3339Nano)

	current, err := db.GetSetting(s.db, TickLockKey)
	if err != nil {
		return false, err
	}

	if current == "" {
		res := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
			TickLockKey, expiry)
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, current); err == nil && t.After(now) {
		return false, nil
	}

	res := s.db.Exec(
		`UPDATE settings SET value = ? WHERE key = ? AND value = ?`,
		expiry, TickLockKey, current)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// releaseLock deletes the token row. Blanking the value instead would
// make the next acquire's insert conflict with the leftover row and lose.
func (s *Scheduler) releaseLock() {
	if err := s.db.Where("key = ?", TickLockKey).Delete(&model.Setting{}).Error; err != nil {
		logger.Error("Failed to release tick lock", zap.Error(err))
	}
}
