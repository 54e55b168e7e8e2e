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

// LockConfig mirrors the scheduler's leader lock so a manual tick never
// runs next to a live one.
type LockConfig struct {
	Enabled bool          `yaml:"enabled"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
}

// AppConfig holds riddleflowctl config.
type AppConfig struct {
	Logger   logger.Config       `yaml:"logger"`
	Database db.PostgreSQLConfig `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Queue    config.QueueConfig  `yaml:"queue"`
	Status   struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"status"`
	SchedulerLock LockConfig `yaml:"schedulerLock"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := config.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Database.ApplyDefaults()
	cfg.Redis.ApplyDefaults()
	cfg.Queue.ApplyDefaults()
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = 24 * time.Hour
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "warn"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	err := validation.Errors{
		"database.dsn": validation.Validate(cfg.Database.DSN, validation.Required),
		"redis.addr":   validation.Validate(cfg.Redis.Addr, validation.Required),
		"queue":        cfg.Queue.Validate(),
	}.Filter()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
