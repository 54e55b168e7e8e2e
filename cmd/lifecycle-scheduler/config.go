package main

import (
	"fmt"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/config"
	"riddleflow/internal/common/db"
	"riddleflow/pkg/utils/logger"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8087"
	defaultShutdownTimeout = 10 * time.Second
	defaultInterval        = time.Minute
)

// SchedulerConfig holds tick settings.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	TickTimeout time.Duration `yaml:"tickTimeout"`
	// LockEnabled elects a single leader through Redis when several replicas run.
	LockEnabled bool          `yaml:"lockEnabled"`
	LockKey     string        `yaml:"lockKey"`
	LockTTL     time.Duration `yaml:"lockTTL"`
}

// AppConfig holds lifecycle-scheduler config.
type AppConfig struct {
	Server    config.ServerConfig `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Database  db.PostgreSQLConfig `yaml:"database"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Scheduler SchedulerConfig     `yaml:"scheduler"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := config.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Server.ApplyDefaults(defaultHTTPAddr)
	cfg.Database.ApplyDefaults()
	cfg.Redis.ApplyDefaults()
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = defaultInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the scheduler cannot start without.
func (c AppConfig) Validate() error {
	return validation.Errors{
		"database.dsn":       validation.Validate(c.Database.DSN, validation.Required),
		"redis.addr":         validation.Validate(c.Redis.Addr, validation.When(c.Scheduler.LockEnabled, validation.Required)),
		"scheduler.interval": validation.Validate(c.Scheduler.Interval, validation.Min(time.Second)),
		"scheduler.lockTTL": validation.Validate(c.Scheduler.LockTTL,
			validation.When(c.Scheduler.LockTTL != 0, validation.Min(c.Scheduler.Interval))),
	}.Filter()
}
