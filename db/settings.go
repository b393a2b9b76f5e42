package db

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptrack/model"
)

const (
	// SettingTestMode suppresses all outbound probe dispatch when "true".
	// Used for demo and staging data sets.
	SettingTestMode = "test_mode"
)

func GetSetting(gdb *gorm.DB, key string) (string, error) {
	var s model.Setting
	err := gdb.Where("key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(gdb *gorm.DB, key, value string) error {
	return gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"value": value}),
	}).Create(&model.Setting{Key: key, Value: value}).Error
}

func TestModeEnabled(gdb *gorm.DB) bool {
	v, err := GetSetting(gdb, SettingTestMode)
	return err == nil && v == "true"
}

func SetTestMode(gdb *gorm.DB, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return SetSetting(gdb, SettingTestMode, v)
}
