package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"uptrack/model"
	"uptrack/pkg/logger"
)

var DB *gorm.DB

// Init opens the application database and runs migrations.
func Init(path string) error {
	var err error
	DB, err = Open(path)
	if err != nil {
		return err
	}
	return nil
}

// Open connects to a sqlite database at the given path and migrates the
// schema. Tests call this directly with ":memory:".
func Open(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// Every connection to ":memory:" is a distinct database, so the pool
	// must stay at a single connection for in-memory use.
	if strings.Contains(path, ":memory:") {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate creates the schema plus the indexes gorm tags cannot express.
func Migrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&model.User{},
		&model.Setting{},
		&model.Monitor{},
		&model.MonitorCheck{},
		&model.Incident{},
		&model.Notifier{},
		&model.MonitorNotifier{},
		&model.NotificationDelivery{},
		&model.DailyUptimeRollup{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// At most one open incident per monitor. This partial index is what
	// makes the tracker's insert-if-absent atomic under racing workers.
	err = gdb.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open
		 ON incidents (monitor_id) WHERE ended_at IS NULL`,
	).Error
	if err != nil {
		return fmt.Errorf("failed to create open-incident index: %w", err)
	}
	return nil
}

func Close() {
	if DB == nil {
		return
	}
	logger.Info("Closing database")
	sqlDB, err := DB.DB()
	if err == nil {
		sqlDB.Close()
	}
}
