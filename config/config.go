package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Probe        ProbeConfig        `yaml:"probe"`
	Retention    RetentionConfig    `yaml:"retention"`
	Notification NotificationConfig `yaml:"notification"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	DispatchLimit int  `yaml:"dispatch_limit"` // max probes dispatched per tick
	Workers       int  `yaml:"workers"`        // concurrent probe workers
	TestMode      bool `yaml:"test_mode"`      // startup default; runtime value lives in settings
}

type ProbeConfig struct {
	UserAgent      string `yaml:"user_agent"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
}

type RetentionConfig struct {
	CheckDays int `yaml:"check_days"` // raw check rows kept this many days
}

type NotificationConfig struct {
	ResendAPIKey string `yaml:"resend_api_key"`
	FromEmail    string `yaml:"from_email"`
	FromName     string `yaml:"from_name"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var GlobalConfig Config

// Load reads the YAML config file and applies environment overrides.
// A missing file is fine; env vars and defaults carry the rest.
func Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else {
		if err := yaml.Unmarshal(data, &GlobalConfig); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if apiKey := os.Getenv("RESEND_API_KEY"); apiKey != "" {
		GlobalConfig.Notification.ResendAPIKey = apiKey
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p != 0 {
			GlobalConfig.Server.Port = p
		}
	}
	if dbPath := os.Getenv("UPTRACK_DB"); dbPath != "" {
		GlobalConfig.Database.Path = dbPath
	}

	applyDefaults()
	return nil
}

func applyDefaults() {
	if GlobalConfig.Server.Port == 0 {
		GlobalConfig.Server.Port = 3001
	}
	if GlobalConfig.Database.Path == "" {
		GlobalConfig.Database.Path = "uptrack.db"
	}
	if GlobalConfig.Scheduler.DispatchLimit <= 0 {
		GlobalConfig.Scheduler.DispatchLimit = 500
	}
	if GlobalConfig.Scheduler.Workers <= 0 {
		GlobalConfig.Scheduler.Workers = 16
	}
	if GlobalConfig.Probe.UserAgent == "" {
		GlobalConfig.Probe.UserAgent = "uptrack-monitor/1.0"
	}
	if GlobalConfig.Probe.ConnectTimeout <= 0 {
		GlobalConfig.Probe.ConnectTimeout = 10
	}
	if GlobalConfig.Retention.CheckDays <= 0 {
		GlobalConfig.Retention.CheckDays = 30
	}
	if GlobalConfig.Log.Level == "" {
		GlobalConfig.Log.Level = "info"
	}
}
