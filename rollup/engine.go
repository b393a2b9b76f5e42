package rollup

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptrack/model"
	"uptrack/pkg/logger"
)

// BackfillWindowDays is how far back the boot-time backfill reaches when
// no rollup exists yet, and how far the per-user timezone recompute goes.
const BackfillWindowDays = 30

// DateKey normalizes a moment to its calendar date in loc, stored as a
// UTC midnight timestamp. The stored key is the calendar date; the check
// window that fed it may have used any timezone's day boundaries.
func DateKey(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dayBounds returns the [start, end) window of the given calendar date
// in loc, normalized to UTC. Sqlite compares timestamp text
// lexicographically, so a bound carrying a non-UTC offset would compare
// wrong against stored checked_at values.
func dayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

type aggregate struct {
	TotalChecks       int
	SuccessfulChecks  int
	AvgResponseTimeMs float64
	MinResponseTimeMs int
	MaxResponseTimeMs int
}

// aggregateWindow computes one monitor's stats over [start, end). The
// latency aggregates rely on SQL skipping NULL response times, so failed
// checks count toward uptime but never toward latency.
func aggregateWindow(gdb *gorm.DB, monitorID uint, start, end time.Time) (aggregate, error) {
	var agg aggregate
	err := gdb.Model(&model.MonitorCheck{}).
		Select(`
			COUNT(*) as total_checks,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as successful_checks,
			COALESCE(AVG(response_time_ms), 0) as avg_response_time_ms,
			COALESCE(MIN(response_time_ms), 0) as min_response_time_ms,
			COALESCE(MAX(response_time_ms), 0) as max_response_time_ms`,
			model.StatusUp).
		Where("monitor_id = ? AND checked_at >= ? AND checked_at < ?", monitorID, start, end).
		Scan(&agg).Error
	return agg, err
}

// UptimePercent applies the rounding rule used everywhere: two decimals,
// and a day with no checks is 100.00, not an outage.
func UptimePercent(successful, total int) float64 {
	if total == 0 {
		return 100.00
	}
	return round2(float64(successful) / float64(total) * 100)
}

func buildRollup(monitorID uint, date time.Time, agg aggregate) model.DailyUptimeRollup {
	return model.DailyUptimeRollup{
		MonitorID:         monitorID,
		Date:              date,
		TotalChecks:       agg.TotalChecks,
		SuccessfulChecks:  agg.SuccessfulChecks,
		UptimePercent:     UptimePercent(agg.SuccessfulChecks, agg.TotalChecks),
		AvgResponseTimeMs: int(math.Round(agg.AvgResponseTimeMs)),
		MinResponseTimeMs: agg.MinResponseTimeMs,
		MaxResponseTimeMs: agg.MaxResponseTimeMs,
	}
}

// Today aggregates today's checks on the fly for the given monitors,
// producing ephemeral rollups that are never persisted. This is what
// keeps uptime charts live without waiting for the nightly batch; it
// tolerates the check table being appended to while it reads.
func Today(gdb *gorm.DB, monitorIDs []uint, loc *time.Location) ([]model.DailyUptimeRollup, error) {
	date := DateKey(time.Now(), loc)
	start, end := dayBounds(date, loc)

	rollups := make([]model.DailyUptimeRollup, 0, len(monitorIDs))
	for _, id := range monitorIDs {
		agg, err := aggregateWindow(gdb, id, start, end)
		if err != nil {
			return nil, fmt.Errorf("aggregate today for monitor %d: %w", id, err)
		}
		rollups = append(rollups, buildRollup(id, date, agg))
	}
	return rollups, nil
}

func upsertRollup(gdb *gorm.DB, r *model.DailyUptimeRollup) error {
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "monitor_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_checks", "successful_checks", "uptime_percent",
			"avg_response_time_ms", "min_response_time_ms", "max_response_time_ms",
		}),
	}).Create(r).Error
}

// ComputeDate persists rollups for one calendar date across all
// monitors. Monitors with zero checks that day are skipped entirely.
// Returns the number of rollup rows written.
func ComputeDate(gdb *gorm.DB, date time.Time, loc *time.Location) (int, error) {
	date = DateKey(date, loc)
	start, end := dayBounds(date, loc)

	var monitorIDs []uint
	if err := gdb.Model(&model.Monitor{}).Pluck("id", &monitorIDs).Error; err != nil {
		return 0, err
	}

	written := 0
	for _, id := range monitorIDs {
		agg, err := aggregateWindow(gdb, id, start, end)
		if err != nil {
			return written, fmt.Errorf("aggregate monitor %d: %w", id, err)
		}
		if agg.TotalChecks == 0 {
			continue
		}
		r := buildRollup(id, date, agg)
		if err := upsertRollup(gdb, &r); err != nil {
			return written, fmt.Errorf("upsert rollup for monitor %d: %w", id, err)
		}
		written++
	}
	return written, nil
}

// ComputeDays recomputes a trailing window ending yesterday.
func ComputeDays(gdb *gorm.DB, days int, loc *time.Location) error {
	if days < 1 {
		days = 1
	}
	for i := days; i >= 1; i-- {
		date := time.Now().AddDate(0, 0, -i)
		if _, err := ComputeDate(gdb, date, loc); err != nil {
			return err
		}
	}
	return nil
}

// Backfill fills the gap between the latest persisted rollup and
// yesterday. With no rollups at all it computes the trailing window.
// Runs once per process start; callers log and move on if it fails.
func Backfill(gdb *gorm.DB, loc *time.Location) error {
	var latest model.DailyUptimeRollup
	err := gdb.Order("date DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Info("No rollups found, backfilling trailing window",
			zap.Int("days", BackfillWindowDays))
		return ComputeDays(gdb, BackfillWindowDays, loc)
	}
	if err != nil {
		return err
	}

	yesterday := DateKey(time.Now().AddDate(0, 0, -1), loc)
	gap := int(yesterday.Sub(latest.Date).Hours() / 24)
	if gap <= 0 {
		return nil
	}
	logger.Info("Backfilling missed rollup days", zap.Int("days", gap))
	return ComputeDays(gdb, gap, loc)
}

// RecomputeUser rebuilds the trailing window of rollups for one user's
// monitors using their preferred timezone's day boundaries. Rollup rows
// whose local day lost all checks are deleted rather than zeroed. The
// sweep is skipped when no new checks arrived since the last run.
func RecomputeUser(gdb *gorm.DB, user *model.User) error {
	if user.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", user.Timezone, err)
	}

	var monitorIDs []uint
	if err := gdb.Model(&model.Monitor{}).Where("user_id = ?", user.ID).Pluck("id", &monitorIDs).Error; err != nil {
		return err
	}
	if len(monitorIDs) == 0 {
		return nil
	}

	if user.RollupRecomputedAt != nil {
		var newChecks int64
		err := gdb.Model(&model.MonitorCheck{}).
			Where("monitor_id IN ? AND checked_at > ?", monitorIDs, user.RollupRecomputedAt.UTC()).
			Count(&newChecks).Error
		if err != nil {
			return err
		}
		if newChecks == 0 {
			return nil
		}
	}

	for i := BackfillWindowDays; i >= 0; i-- {
		date := DateKey(time.Now().AddDate(0, 0, -i), loc)
		start, end := dayBounds(date, loc)

		for _, id := range monitorIDs {
			agg, err := aggregateWindow(gdb, id, start, end)
			if err != nil {
				return err
			}
			if agg.TotalChecks == 0 {
				err = gdb.Where("monitor_id = ? AND date = ?", id, date).
					Delete(&model.DailyUptimeRollup{}).Error
				if err != nil {
					return err
				}
				continue
			}
			r := buildRollup(id, date, agg)
			if err := upsertRollup(gdb, &r); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	return gdb.Model(&model.User{}).Where("id = ?", user.ID).
		Update("rollup_recomputed_at", now).Error
}
