package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Booking  BookingConfig  `yaml:"booking"`
	ShipBox  ShipBoxConfig  `yaml:"shipbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	BookingCreatedTopicName   string `yaml:"booking_created_topic_name"`
	ShipmentAdvancedTopicName string `yaml:"shipment_advanced_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BookingConfig struct {
	// Path of the durable booking document. Empty means "bookings.json"
	// next to the binary.
	DataFile string `yaml:"data_file"`
}

type ShipBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	TimelineTTLSeconds int    `yaml:"timeline_ttl_seconds"`

	EstimatedDeliveryDays int `yaml:"estimated_delivery_days"`

	IntakeTimeoutSeconds int `yaml:"intake_timeout_seconds"`
	IntakeRetryAttempts  int `yaml:"intake_retry_attempts"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling (optional). If not set, defaults are short,
	// demo-friendly delays; see progress.DefaultPlanner.
	WorkerAdvanceMinSeconds int `yaml:"worker_advance_min_seconds"`
	WorkerAdvanceMaxSeconds int `yaml:"worker_advance_max_seconds"`
	WorkerBackoff1Seconds   int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds   int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds   int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds   int `yaml:"worker_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
