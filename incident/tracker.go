package incident

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptrack/model"
)

// Action is what a status transition requires of the incident table.
type Action int

const (
	ActionNone Action = iota
	ActionOpen
	ActionResolve
)

// Transition is the pure two-state truth table. The previous status of a
// never-checked monitor is up, so a first check can only ever open.
func Transition(prev, curr int) Action {
	switch {
	case prev == model.StatusUp && curr == model.StatusDown:
		return ActionOpen
	case prev == model.StatusDown && curr == model.StatusUp:
		return ActionResolve
	default:
		return ActionNone
	}
}

// Evaluate applies the confirmation thresholds: the effective status only
// flips once the consecutive streak reaches the configured count, so a
// single flapping check cannot open or resolve an incident when the
// thresholds are above 1.
func Evaluate(confirmed, consecutiveFails, consecutiveUps, failThreshold, recoveryThreshold int) Action {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}

	effective := confirmed
	if consecutiveFails >= failThreshold {
		effective = model.StatusDown
	} else if consecutiveUps >= recoveryThreshold {
		effective = model.StatusUp
	}
	return Transition(confirmed, effective)
}

// Signals reports the incident mutations a Process call actually won, for
// post-commit emission. Losing a benign race yields empty signals even
// though the state advanced.
type Signals struct {
	Opened   *model.Incident
	Resolved *model.Incident
}

// Process advances the monitor's incident state machine for one new
// check. It must run inside the same transaction that persists the check
// so a crash cannot separate the two. The monitor's streak counters and
// confirmed status are updated in place; the caller persists them.
//
// Opening inserts against the partial unique index on open incidents with
// ON CONFLICT DO NOTHING: only the worker whose insert landed gets the
// opened signal. Resolving conditionally updates the open row; a second
// resolve finds nothing to update and stays silent.
func Process(tx *gorm.DB, m *model.Monitor, check *model.MonitorCheck) (Signals, error) {
	var sig Signals

	if check.Status == model.StatusDown {
		m.ConsecutiveFails++
		m.ConsecutiveUps = 0
	} else {
		m.ConsecutiveUps++
		m.ConsecutiveFails = 0
	}

	action := Evaluate(m.ConfirmedStatus, m.ConsecutiveFails, m.ConsecutiveUps,
		m.FailureThreshold, m.RecoveryThreshold)

	switch action {
	case ActionOpen:
		inc := model.Incident{
			MonitorID: m.ID,
			StartedAt: check.CheckedAt,
			Cause:     check.ErrorMessage,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&inc)
		if res.Error != nil {
			return sig, res.Error
		}
		if res.RowsAffected == 1 {
			sig.Opened = &inc
		}
		m.ConfirmedStatus = model.StatusDown

	case ActionResolve:
		var open model.Incident
		err := tx.Where("monitor_id = ? AND ended_at IS NULL", m.ID).
			Order("started_at DESC").
			First(&open).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return sig, err
		}
		if err == nil {
			res := tx.Model(&model.Incident{}).
				Where("id = ? AND ended_at IS NULL", open.ID).
				Update("ended_at", check.CheckedAt)
			if res.Error != nil {
				return sig, res.Error
			}
			if res.RowsAffected == 1 {
				endedAt := check.CheckedAt
				open.EndedAt = &endedAt
				sig.Resolved = &open
			}
		}
		m.ConfirmedStatus = model.StatusUp
	}

	return sig, nil
}
