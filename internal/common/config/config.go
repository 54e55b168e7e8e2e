// Package config holds the configuration pieces shared by the riddleflow binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"riddleflow/internal/common/mq"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	DriverKafka = "kafka"
	DriverRedis = "redis"
)

// LoadYAML reads path, expands ${VAR} references and decodes it into out.
// A .env file in the working directory is loaded first when present.
func LoadYAML(path string, out interface{}) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env failed: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ApplyDefaults fills zero values, using addr when Addr is empty.
func (s *ServerConfig) ApplyDefaults(addr string) {
	if s.Addr == "" {
		s.Addr = addr
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 5 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 60 * time.Second
	}
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
}

// Validate checks the broker list.
func (k KafkaConfig) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.Brokers, validation.Required, validation.Each(validation.Required)),
	)
}

// ToMQConfig converts to the queue package's settings.
func (k KafkaConfig) ToMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// RedisStreamConfig holds Redis Streams queue settings.
type RedisStreamConfig struct {
	MaxLen        int64         `yaml:"maxLen"`
	Block         time.Duration `yaml:"block"`
	ClaimMinIdle  time.Duration `yaml:"claimMinIdle"`
	ClaimInterval time.Duration `yaml:"claimInterval"`
	// Heartbeat refreshes the idle time of entries still being handled.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// ToMQConfig converts to the queue package's settings.
func (r RedisStreamConfig) ToMQConfig() mq.RedisStreamConfig {
	return mq.RedisStreamConfig{
		MaxLen:        r.MaxLen,
		Block:         r.Block,
		ClaimMinIdle:  r.ClaimMinIdle,
		ClaimInterval: r.ClaimInterval,
		Heartbeat:     r.Heartbeat,
	}
}

// QueueConfig selects the broker and names the grading topics.
type QueueConfig struct {
	Driver      string            `yaml:"driver"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	RedisStream RedisStreamConfig `yaml:"redisStream"`

	JobsTopic       string `yaml:"jobsTopic"`
	RetryTopic      string `yaml:"retryTopic"`
	DeadLetterTopic string `yaml:"deadLetterTopic"`
	// GradedTopic receives SubmissionGraded events. Empty disables them.
	GradedTopic string `yaml:"gradedTopic"`

	ConsumerGroup string        `yaml:"consumerGroup"`
	PrefetchCount int           `yaml:"prefetchCount"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`

	RetryMax       int           `yaml:"retryMax"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
}

// ApplyDefaults fills zero values.
func (q *QueueConfig) ApplyDefaults() {
	if q.Driver == "" {
		q.Driver = DriverKafka
	}
	if q.JobsTopic == "" {
		q.JobsTopic = "grading.jobs"
	}
	if q.RetryTopic == "" {
		q.RetryTopic = "grading.retry"
	}
	if q.DeadLetterTopic == "" {
		q.DeadLetterTopic = "grading.dead"
	}
	if q.ConsumerGroup == "" {
		q.ConsumerGroup = "grading-worker"
	}
	if q.RetryMax <= 0 {
		q.RetryMax = 5
	}
	if q.RetryBaseDelay == 0 {
		q.RetryBaseDelay = time.Second
	}
	if q.RetryMaxDelay == 0 {
		q.RetryMaxDelay = 30 * time.Second
	}
}

// Validate checks topic names and broker settings.
func (q QueueConfig) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Driver, validation.Required, validation.In(DriverKafka, DriverRedis)),
		validation.Field(&q.Kafka, validation.Skip.When(q.Driver != DriverKafka)),
		validation.Field(&q.JobsTopic, validation.Required),
		validation.Field(&q.RetryTopic, validation.Required, validation.NotIn(q.JobsTopic)),
		validation.Field(&q.DeadLetterTopic, validation.Required),
		validation.Field(&q.RetryMax, validation.Min(1)),
	)
}

// NewQueue builds the configured broker. redisClient is required for the redis driver.
func NewQueue(q QueueConfig, redisClient *redis.Client) (mq.MessageQueue, error) {
	switch q.Driver {
	case DriverKafka:
		queue, err := mq.NewKafkaQueue(q.Kafka.ToMQConfig())
		if err != nil {
			return nil, err
		}
		return queue, nil
	case DriverRedis:
		queue, err := mq.NewRedisStreamQueue(redisClient, q.RedisStream.ToMQConfig())
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", q.Driver)
	}
}
