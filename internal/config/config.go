// Package config loads the gateway configuration from a YAML file, with
// environment overrides for credentials.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	InternalBatchSize int `yaml:"internal_batch_size"`
	IntervalMillis    int `yaml:"interval_ms"`
	Workers           int `yaml:"workers"`

	HTTP     HTTPConfig     `yaml:"http"`
	Mqtt     MqttConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MqttConfig struct {
	PublicBroker   PublicBroker   `yaml:"public_broker"`
	InternalBroker InternalBroker `yaml:"internal_broker"`
}

type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Ssl      bool   `yaml:"ssl"`
}

// URI returns the broker address in the form paho expects.
func (b Broker) URI() string {
	scheme := "tcp"
	if b.Ssl {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

type PublicBroker struct {
	Broker `yaml:",inline"`

	MeasurementTopic     string `yaml:"measurement_topic"`
	BulkMeasurementTopic string `yaml:"bulk_measurement_topic"`
	MessageTopic         string `yaml:"message_topic"`
	BulkMessageTopic     string `yaml:"bulk_message_topic"`
	CommandTopic         string `yaml:"command_topic"`
}

type InternalBroker struct {
	Broker `yaml:",inline"`

	BulkMeasurementTopic string `yaml:"bulk_measurement_topic"`
	BulkMessageTopic     string `yaml:"bulk_message_topic"`
}

type DatabaseConfig struct {
	PgSQL   PgSQLConfig   `yaml:"pgsql"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

type PgSQLConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

type MongoDBConfig struct {
	DatabaseName     string `yaml:"database_name"`
	ConnectionString string `yaml:"connection_string"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads and validates the configuration file. Credentials may be
// overridden through AUTHGW_PG_CONNECTION, AUTHGW_MONGO_CONNECTION,
// AUTHGW_PUBLIC_MQTT_PASSWORD and AUTHGW_INTERNAL_MQTT_PASSWORD.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("AUTHGW_PG_CONNECTION"); v != "" {
		cfg.Database.PgSQL.ConnectionString = v
	}
	if v := os.Getenv("AUTHGW_MONGO_CONNECTION"); v != "" {
		cfg.Database.MongoDB.ConnectionString = v
	}
	if v := os.Getenv("AUTHGW_PUBLIC_MQTT_PASSWORD"); v != "" {
		cfg.Mqtt.PublicBroker.Password = v
	}
	if v := os.Getenv("AUTHGW_INTERNAL_MQTT_PASSWORD"); v != "" {
		cfg.Mqtt.InternalBroker.Password = v
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InternalBatchSize <= 0 {
		c.InternalBatchSize = 128
	}
	if c.IntervalMillis <= 0 {
		c.IntervalMillis = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Mqtt.PublicBroker.Host == "" {
		return fmt.Errorf("config: public broker host is required")
	}
	if c.Mqtt.InternalBroker.Host == "" {
		return fmt.Errorf("config: internal broker host is required")
	}
	if c.Mqtt.InternalBroker.BulkMeasurementTopic == "" || c.Mqtt.InternalBroker.BulkMessageTopic == "" {
		return fmt.Errorf("config: internal broker bulk topics are required")
	}
	if c.Database.PgSQL.ConnectionString == "" {
		return fmt.Errorf("config: pgsql connection string is required")
	}
	if c.Database.MongoDB.ConnectionString == "" || c.Database.MongoDB.DatabaseName == "" {
		return fmt.Errorf("config: mongodb connection settings are required")
	}
	return nil
}
