package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Control    ControlConfig    `mapstructure:"control"`
	History    HistoryConfig    `mapstructure:"history"`
	Health     HealthConfig     `mapstructure:"health"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// MQTTConfig holds broker settings for uplink ingestion and command publish.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	UplinkTopic       string        `mapstructure:"uplink_topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// ServiceBusConfig holds the notification queue settings.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// NotifierConfig holds the alert webhook settings.
type NotifierConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryWait  time.Duration `mapstructure:"retry_wait"`
}

// RangeConfig is one inclusive numeric range.
type RangeConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// SignalRangesConfig buckets a raw signal reading into high/mid/low.
type SignalRangesConfig struct {
	High RangeConfig `mapstructure:"high"`
	Mid  RangeConfig `mapstructure:"mid"`
	Low  RangeConfig `mapstructure:"low"`
}

// ProtocolConfig holds signal classification thresholds.
type ProtocolConfig struct {
	RSSI SignalRangesConfig `mapstructure:"rssi"`
	SINR SignalRangesConfig `mapstructure:"sinr"`
}

// ControlConfig holds remote-control timing settings.
type ControlConfig struct {
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	LinkTimeout       time.Duration `mapstructure:"link_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CorrelationWindow time.Duration `mapstructure:"correlation_window"`
}

// HistoryConfig holds history event retention settings.
type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// HealthConfig holds the silent-device sweep settings.
type HealthConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig holds on-disk persistence settings.
type StorageConfig struct {
	DeadLetterPath string `mapstructure:"dead_letter_path"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("MONOSECOM")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "10m")
	viper.SetDefault("database.enable_tracing", false)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.clean_session", false)
	viper.SetDefault("mqtt.uplink_topic", "dev/+/up")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("service_bus.max_retries", 3)
	viper.SetDefault("service_bus.retry_delay", "1s")

	viper.SetDefault("notifier.timeout", "10s")
	viper.SetDefault("notifier.retry_count", 3)
	viper.SetDefault("notifier.retry_wait", "2s")

	// LTE Cat.1 thresholds
	viper.SetDefault("protocol.rssi.high.min", -80)
	viper.SetDefault("protocol.rssi.high.max", 0)
	viper.SetDefault("protocol.rssi.mid.min", -95)
	viper.SetDefault("protocol.rssi.mid.max", -81)
	viper.SetDefault("protocol.rssi.low.min", -120)
	viper.SetDefault("protocol.rssi.low.max", -96)
	viper.SetDefault("protocol.sinr.high.min", 13)
	viper.SetDefault("protocol.sinr.high.max", 50)
	viper.SetDefault("protocol.sinr.mid.min", 0)
	viper.SetDefault("protocol.sinr.mid.max", 12)
	viper.SetDefault("protocol.sinr.low.min", -10)
	viper.SetDefault("protocol.sinr.low.max", -1)

	viper.SetDefault("control.ack_timeout", "10s")
	viper.SetDefault("control.link_timeout", "20s")
	viper.SetDefault("control.poll_interval", "500ms")
	viper.SetDefault("control.correlation_window", "60s")

	viper.SetDefault("history.retention", "8760h") // one year

	viper.SetDefault("health.sweep_interval", "5m")

	viper.SetDefault("storage.dead_letter_path", "/data/dead_letter/uplinks.log")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
