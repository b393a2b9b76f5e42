package notify

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptrack/model"
	"uptrack/pkg/logger"
)

const (
	maxSendAttempts = 3
	retryBaseDelay  = 2 * time.Second
)

// Dispatcher resolves the effective notifier set for a monitor and fans
// out one deduplicated delivery per (monitor, notifier, status, check).
// Sends run asynchronously; a permanent delivery failure is logged and
// never touches monitor or incident state.
type Dispatcher struct {
	db      *gorm.DB
	discord *DiscordSender
	email   *EmailSender
	wg      sync.WaitGroup

	// sendFn is swapped out by tests to observe deliveries.
	sendFn func(n *model.Notifier, m *model.Monitor, check *model.MonitorCheck, status int)
}

func NewDispatcher(gdb *gorm.DB) *Dispatcher {
	d := &Dispatcher{
		db:      gdb,
		discord: NewDiscordSender(),
		email:   NewEmailSender(),
	}
	d.sendFn = d.send
	return d
}

// EffectiveNotifiers returns the monitor owner's active notifiers that
// are either explicitly attached (and not excluded) or flagged
// apply-to-all (and not excluded for this monitor). Notifiers with
// invalid delivery config are silently skipped.
func (d *Dispatcher) EffectiveNotifiers(m *model.Monitor) ([]model.Notifier, error) {
	var notifiers []model.Notifier
	err := d.db.Raw(`
		SELECT notifiers.* FROM notifiers
		LEFT JOIN monitor_notifiers
			ON monitor_notifiers.notifier_id = notifiers.id
			AND monitor_notifiers.monitor_id = ?
		WHERE notifiers.user_id = ?
			AND notifiers.active = ?
			AND (
				(monitor_notifiers.id IS NOT NULL AND monitor_notifiers.is_excluded = ?)
				OR (monitor_notifiers.id IS NULL AND notifiers.apply_to_all = ?)
			)`,
		m.ID, m.UserID, true, false, true,
	).Scan(&notifiers).Error
	if err != nil {
		return nil, err
	}

	valid := notifiers[:0]
	for _, n := range notifiers {
		if _, err := n.ParseConfig(); err != nil {
			logger.Debug("Skipping notifier with invalid config",
				zap.Uint("notifierID", n.ID), zap.Error(err))
			continue
		}
		valid = append(valid, n)
	}
	return valid, nil
}

// Dispatch fans out one delivery task per effective notifier for the
// given transition. The dedup row insert is the gate: re-processing the
// same transition after a crash or retry finds the row already there and
// sends nothing.
func (d *Dispatcher) Dispatch(m *model.Monitor, check *model.MonitorCheck, status int) {
	notifiers, err := d.EffectiveNotifiers(m)
	if err != nil {
		logger.Error("Failed to resolve notifiers",
			zap.Uint("monitorID", m.ID), zap.Error(err))
		return
	}

	for _, n := range notifiers {
		delivery := model.NotificationDelivery{
			MonitorID:  m.ID,
			NotifierID: n.ID,
			Status:     status,
			CheckID:    check.ID,
		}
		res := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&delivery)
		if res.Error != nil {
			logger.Error("Failed to record delivery",
				zap.Uint("monitorID", m.ID), zap.Uint("notifierID", n.ID), zap.Error(res.Error))
			continue
		}
		if res.RowsAffected == 0 {
			// Already delivered for this transition.
			continue
		}

		notifier := n
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sendFn(&notifier, m, check, status)
		}()
	}
}

// Wait blocks until in-flight sends finish. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(n *model.Notifier, m *model.Monitor, check *model.MonitorCheck, status int) {
	cfg, err := n.ParseConfig()
	if err != nil {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		lastErr = d.sendOnce(n.Type, cfg, m, check, status)
		if lastErr == nil {
			logger.Info("Notification sent",
				zap.Uint("monitorID", m.ID),
				zap.Uint("notifierID", n.ID),
				zap.String("type", string(n.Type)),
				zap.String("status", model.StatusString(status)))
			return
		}
		if attempt < maxSendAttempts {
			time.Sleep(retryBaseDelay * time.Duration(attempt))
		}
	}

	logger.Error("Notification delivery failed, giving up",
		zap.Uint("monitorID", m.ID),
		zap.Uint("notifierID", n.ID),
		zap.Int("attempts", maxSendAttempts),
		zap.Error(lastErr))
}

func (d *Dispatcher) sendOnce(typ model.NotifierType, cfg model.NotifierConfig, m *model.Monitor, check *model.MonitorCheck, status int) error {
	switch c := cfg.(type) {
	case model.DiscordConfig:
		return d.discord.SendStatusChange(c.WebhookURL, m, check, status)
	case model.EmailConfig:
		return d.email.SendStatusChange(c.Address, m, check, status)
	default:
		return fmt.Errorf("unknown notifier type %q", typ)
	}
}

// TestSend validates raw delivery config supplied by the caller and
// sends a test message through the matching channel. It bypasses
// notifier records entirely.
func (d *Dispatcher) TestSend(typ model.NotifierType, cfg model.NotifierConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch c := cfg.(type) {
	case model.DiscordConfig:
		return d.discord.SendTest(c.WebhookURL)
	case model.EmailConfig:
		return d.email.SendTest(c.Address)
	default:
		return fmt.Errorf("unknown notifier type %q", typ)
	}
}
