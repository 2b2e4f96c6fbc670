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
	Waytrack WaytrackConfig `yaml:"waytrack"`
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
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	TrackReportedTopicName  string `yaml:"track_reported_topic_name"`
	WaybillOverdueTopicName string `yaml:"waybill_overdue_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type WaytrackConfig struct {
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	IngestHTTPAddr          string `yaml:"ingest_http_addr"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	// Overdue-сметка: только сигналы, состояние накладных не трогает.
	SweepIntervalSeconds       int `yaml:"sweep_interval_seconds"`
	SweepBatchSize             int `yaml:"sweep_batch_size"`
	OverdueSignalWindowSeconds int `yaml:"overdue_signal_window_seconds"`

	TransitionMaxRetries int `yaml:"transition_max_retries"`
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
