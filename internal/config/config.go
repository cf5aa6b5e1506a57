package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"iot-telemetry/internal/models"
	"iot-telemetry/internal/pipeline"
)

// Config конфигурация приложения
type Config struct {
	ServerPort string `mapstructure:"server_port"`
	Workers    int    `mapstructure:"workers"`
	LogLevel   string `mapstructure:"log_level"`

	WindowDuration   time.Duration `mapstructure:"window_duration"`
	WindowMaxEntries int           `mapstructure:"window_max_entries"`
	WindowIdleTTL    time.Duration `mapstructure:"window_idle_ttl"`

	RateLimitRate   float64       `mapstructure:"rate_limit_rate"`
	RateLimitBurst  float64       `mapstructure:"rate_limit_burst"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	DeviceRegistryURL string `mapstructure:"device_registry_url"`
	DevicePolicy      string `mapstructure:"device_policy"`
	DatabaseDSN       string `mapstructure:"database_dsn"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`

	MQTTBroker   string   `mapstructure:"mqtt_broker"`
	MQTTTopic    string   `mapstructure:"mqtt_topic"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`

	DefaultRules bool          `mapstructure:"default_rules"`
	Rules        []models.Rule `mapstructure:"rules"`
	SensorTypes  []string      `mapstructure:"sensor_types"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("workers", 4)
	v.SetDefault("log_level", "info")

	v.SetDefault("window_duration", 5*time.Minute)
	v.SetDefault("window_max_entries", 10000)
	// 0 = три длительности окна
	v.SetDefault("window_idle_ttl", time.Duration(0))

	v.SetDefault("rate_limit_rate", 10.0)
	v.SetDefault("rate_limit_burst", 20.0)
	v.SetDefault("upstream_timeout", 10*time.Second)

	v.SetDefault("device_registry_url", "")
	v.SetDefault("device_policy", "off")
	v.SetDefault("database_dsn", "")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_ttl", time.Hour)

	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", "sensors/readings")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "sensor-readings")
	v.SetDefault("kafka_group_id", "iot-telemetry")

	v.SetDefault("default_rules", true)
	v.SetDefault("sensor_types", []string{"temperature", "humidity", "pressure", "light", "motion", "co2"})
}

// Load читает config.yaml (если есть) и переменные окружения
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iot-telemetry/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadFrom(v)
}

// LoadFrom собирает конфигурацию из подготовленного viper
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения конфигурации
func (c *Config) Validate() error {
	switch {
	case c.ServerPort == "":
		return errors.New("server_port is required")
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.WindowDuration <= 0:
		return fmt.Errorf("window_duration must be positive, got %s", c.WindowDuration)
	case c.WindowMaxEntries <= 0:
		return fmt.Errorf("window_max_entries must be positive, got %d", c.WindowMaxEntries)
	case c.WindowIdleTTL < 0:
		return fmt.Errorf("window_idle_ttl must not be negative, got %s", c.WindowIdleTTL)
	case c.RateLimitRate <= 0:
		return fmt.Errorf("rate_limit_rate must be positive, got %v", c.RateLimitRate)
	case c.RateLimitBurst < 1:
		return fmt.Errorf("rate_limit_burst must be at least 1, got %v", c.RateLimitBurst)
	case c.UpstreamTimeout <= 0:
		return fmt.Errorf("upstream_timeout must be positive, got %s", c.UpstreamTimeout)
	}
	if _, err := pipeline.ParsePolicy(c.DevicePolicy); err != nil {
		return err
	}
	return nil
}
