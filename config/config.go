package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Database   DatabaseConfig   `yaml:"database"`
	Email      EmailConfig      `yaml:"email"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Engine     EngineConfig     `yaml:"engine"`
	Log        LogConfig        `yaml:"log"`
	Machines   []MachineSeed    `yaml:"machines"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" env:"SERVER_PORT,overwrite"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// MQTTConfig describes the broker session and the topic layout.
type MQTTConfig struct {
	Broker                string        `yaml:"broker" env:"MQTT_BROKER,overwrite"`
	ClientID              string        `yaml:"client_id" env:"MQTT_CLIENT_ID,overwrite"`
	Username              string        `yaml:"username" env:"MQTT_USERNAME,overwrite"`
	Password              string        `yaml:"password" env:"MQTT_PASSWORD,overwrite"`
	TopicPrefix           string        `yaml:"topic_prefix"`
	QoS                   byte          `yaml:"qos"`
	BufferSize            int           `yaml:"buffer_size"`
	ConnectTimeoutSeconds int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout        time.Duration `yaml:"-"`
}

// StatusTopic is the wildcard subscription for per-machine status messages.
func (c MQTTConfig) StatusTopic() string { return c.TopicPrefix + "/+/status" }

// ErrorsTopic is the shared error report topic.
func (c MQTTConfig) ErrorsTopic() string { return c.TopicPrefix + "/errors" }

// EventsTopic is the shared lifecycle event topic.
func (c MQTTConfig) EventsTopic() string { return c.TopicPrefix + "/events" }

// CommandTopic returns the outbound command topic of one machine.
func (c MQTTConfig) CommandTopic(machineID string) string {
	return fmt.Sprintf("%s/%s/command", c.TopicPrefix, machineID)
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" env:"DB_DRIVER,overwrite"`
	DSN                    string `yaml:"dsn" env:"DB_DSN,overwrite"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// EmailConfig holds the SMTP settings used for customer and operator emails.
type EmailConfig struct {
	Enabled            bool   `yaml:"enabled" env:"EMAIL_ENABLED,overwrite"`
	Host               string `yaml:"host" env:"SMTP_HOST,overwrite"`
	Port               int    `yaml:"port" env:"SMTP_PORT,overwrite"`
	Username           string `yaml:"username" env:"SMTP_USER,overwrite"`
	Password           string `yaml:"password" env:"SMTP_PASS,overwrite"`
	From               string `yaml:"from" env:"EMAIL_FROM,overwrite"`
	AdminAddress       string `yaml:"admin_address" env:"ADMIN_EMAIL,overwrite"`
	TrackingBaseURL    string `yaml:"tracking_base_url" env:"FRONTEND_URL,overwrite"`
	NotifyAdminOnError bool   `yaml:"notify_admin_on_error"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" env:"VAPID_PUBLIC_KEY,overwrite"`
	PrivateKey string `yaml:"vapid_private_key" env:"VAPID_PRIVATE_KEY,overwrite"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are present.
func (c PushConfig) Enabled() bool { return c.PublicKey != "" && c.PrivateKey != "" }

// WorkerPoolConfig holds the configuration for the side-effect worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// EngineConfig tunes telemetry processing.
type EngineConfig struct {
	Shards                   int           `yaml:"shards"`
	ShardQueueSize           int           `yaml:"shard_queue_size"`
	StaleAfterSeconds        int           `yaml:"stale_after_seconds"`
	ReconcileIntervalSeconds int           `yaml:"reconcile_interval_seconds"`
	StaleAfter               time.Duration `yaml:"-"`
	ReconcileInterval        time.Duration `yaml:"-"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL,overwrite"`
	Development bool   `yaml:"development"`
}

// MachineSeed is a machine provisioned at boot if it does not exist yet.
type MachineSeed struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Load reads the configuration from the given path and overlays environment variables.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://broker.hivemq.com:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "laundryd"
	}
	cfg.MQTT.TopicPrefix = strings.Trim(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "laundry"
	}
	if cfg.MQTT.QoS > 2 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.BufferSize <= 0 {
		cfg.MQTT.BufferSize = 256
	}
	if cfg.MQTT.ConnectTimeoutSeconds <= 0 {
		cfg.MQTT.ConnectTimeoutSeconds = 10
	}
	cfg.MQTT.ConnectTimeout = time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Email.Port <= 0 {
		cfg.Email.Port = 587
	}
	if cfg.Email.TimeoutSeconds <= 0 {
		cfg.Email.TimeoutSeconds = 15
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Engine.Shards <= 0 {
		cfg.Engine.Shards = 8
	}
	if cfg.Engine.ShardQueueSize <= 0 {
		cfg.Engine.ShardQueueSize = 32
	}
	if cfg.Engine.StaleAfterSeconds <= 0 {
		cfg.Engine.StaleAfterSeconds = 600
	}
	if cfg.Engine.ReconcileIntervalSeconds <= 0 {
		cfg.Engine.ReconcileIntervalSeconds = 60
	}
	cfg.Engine.StaleAfter = time.Duration(cfg.Engine.StaleAfterSeconds) * time.Second
	cfg.Engine.ReconcileInterval = time.Duration(cfg.Engine.ReconcileIntervalSeconds) * time.Second

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
