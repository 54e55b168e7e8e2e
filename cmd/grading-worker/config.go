package main

import (
	"fmt"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/config"
	"riddleflow/internal/common/db"
	"riddleflow/internal/common/storage"
	"riddleflow/internal/grading/sandbox"
	"riddleflow/pkg/utils/logger"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultShutdownTimeout = 30 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultStatusTimeout   = 2 * time.Second
)

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize int           `yaml:"poolSize"`
	SlotWait time.Duration `yaml:"slotWait"`
}

// StatusConfig holds status cache settings.
type StatusConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReportConfig holds report archive settings.
type ReportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// AppConfig holds grading-worker config.
type AppConfig struct {
	Server   config.ServerConfig `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.PostgreSQLConfig `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Queue    config.QueueConfig  `yaml:"queue"`
	Worker   WorkerConfig        `yaml:"worker"`
	Status   StatusConfig        `yaml:"status"`
	Report   ReportConfig        `yaml:"report"`
	Sandbox  sandbox.Config      `yaml:"sandbox"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := config.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.Server.ApplyDefaults(defaultHTTPAddr)
	c.Database.ApplyDefaults()
	c.Redis.ApplyDefaults()
	c.Queue.ApplyDefaults()
	c.Sandbox.ApplyDefaults()
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 1
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = c.Worker.PoolSize
	}
	if c.Status.TTL == 0 {
		c.Status.TTL = defaultStatusTTL
	}
	if c.Status.Timeout == 0 {
		c.Status.Timeout = defaultStatusTimeout
	}
	if c.Report.Bucket == "" {
		c.Report.Bucket = c.MinIO.Bucket
	}
	if c.Report.Prefix == "" {
		c.Report.Prefix = "reports/"
	}
}

// Validate checks the settings the worker cannot start without.
func (c AppConfig) Validate() error {
	errs := validation.Errors{
		"database.dsn":    validation.Validate(c.Database.DSN, validation.Required),
		"redis.addr":      validation.Validate(c.Redis.Addr, validation.Required),
		"queue":           c.Queue.Validate(),
		"worker.poolSize": validation.Validate(c.Worker.PoolSize, validation.Min(1)),
		"sandbox.image":   validation.Validate(c.Sandbox.Image, validation.Required),
	}
	if c.Report.Enabled {
		errs["minio.endpoint"] = validation.Validate(c.MinIO.Endpoint, validation.Required)
		errs["report.bucket"] = validation.Validate(c.Report.Bucket, validation.Required)
	}
	return errs.Filter()
}
