package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"dispatchd/internal/commission"
	"dispatchd/internal/domain"
)

// EnvPrefix marks environment overrides, e.g. DISPATCHD_SERVER__PORT=9090.
const EnvPrefix = "DISPATCHD_"

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	NewRelic    NewRelicConfig    `koanf:"newrelic"`
	Logging     LoggingConfig     `koanf:"logging"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Retry       RetryConfig       `koanf:"retry"`
	Geo         GeoConfig         `koanf:"geo"`
	Commission  CommissionConfig  `koanf:"commission"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration. When disabled the
// service keeps its records in memory.
type DatabaseConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	DBName          string        `koanf:"dbname"`
	SSLMode         string        `koanf:"sslmode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. When disabled the geo index and
// locks are process-local.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// KafkaConfig controls the outbound event stream.
type KafkaConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers"`
	Topic        string        `koanf:"topic"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string `koanf:"app_name"`
	LicenseKey string `koanf:"license_key"`
	Enabled    bool   `koanf:"enabled"`
}

// LoggingConfig holds the log level.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// DispatchConfig tunes candidate search and negotiation.
type DispatchConfig struct {
	RideRadiusMeters     float64       `koanf:"ride_radius_meters"`
	DeliveryRadiusMeters float64       `koanf:"delivery_radius_meters"`
	MinDriverRating      float64       `koanf:"min_driver_rating"`
	NegotiationWindow    time.Duration `koanf:"negotiation_window"`
	MaxBidsPerDriver     int           `koanf:"max_bids_per_driver"`
	NotifyWorkers        int           `koanf:"notify_workers"`
	NotifyQueueSize      int           `koanf:"notify_queue_size"`
	PersistAttempts      int           `koanf:"persist_attempts"`
	PersistBackoff       time.Duration `koanf:"persist_backoff"`
}

// RetryConfig tunes the retry scheduler.
type RetryConfig struct {
	Interval        time.Duration `koanf:"interval"`
	GracePeriod     time.Duration `koanf:"grace_period"`
	MaxAttempts     int           `koanf:"max_attempts"`
	RadiusGrowth    float64       `koanf:"radius_growth"`
	MaxRadiusMeters float64       `koanf:"max_radius_meters"`
	BatchSize       int           `koanf:"batch_size"`
	LockTTL         time.Duration `koanf:"lock_ttl"`
}

// GeoConfig tunes driver position tracking.
type GeoConfig struct {
	LivenessWindow   time.Duration `koanf:"liveness_window"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	ProfileRetention time.Duration `koanf:"profile_retention"`
}

// CommissionConfig holds the rate table and the driver to partner directory.
type CommissionConfig struct {
	Rates    commission.RateTable `koanf:"rates"`
	Partners map[string]string    `koanf:"partners"`
}

// IdempotencyConfig controls replay of mutating HTTP calls.
type IdempotencyConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Password:        "postgres",
			DBName:          "dispatch",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "dispatch-events",
			WriteTimeout: 5 * time.Second,
		},
		NewRelic: NewRelicConfig{
			AppName: "dispatchd",
		},
		Logging: LoggingConfig{Level: "info"},
		Dispatch: DispatchConfig{
			RideRadiusMeters:     3000,
			DeliveryRadiusMeters: 5000,
			NegotiationWindow:    120 * time.Second,
			MaxBidsPerDriver:     3,
			NotifyWorkers:        8,
			NotifyQueueSize:      1024,
			PersistAttempts:      3,
			PersistBackoff:       100 * time.Millisecond,
		},
		Retry: RetryConfig{
			Interval:        60 * time.Second,
			GracePeriod:     2 * time.Minute,
			MaxAttempts:     5,
			RadiusGrowth:    0.5,
			MaxRadiusMeters: 15000,
			BatchSize:       100,
			LockTTL:         30 * time.Second,
		},
		Geo: GeoConfig{
			LivenessWindow:   90 * time.Second,
			SweepInterval:    time.Minute,
			ProfileRetention: 24 * time.Hour,
		},
		Commission: CommissionConfig{
			Rates:    commission.DefaultRateTable(),
			Partners: map[string]string{},
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
	}
}

// Load reads defaults, then the optional file at path, then environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.RideRadiusMeters <= 0 || c.Dispatch.DeliveryRadiusMeters <= 0 {
		errs = append(errs, errors.New("dispatch radii must be positive"))
	}
	if c.Dispatch.NegotiationWindow <= 0 {
		errs = append(errs, errors.New("dispatch.negotiation_window must be positive"))
	}
	if c.Dispatch.PersistAttempts < 1 {
		errs = append(errs, errors.New("dispatch.persist_attempts must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Interval <= 0 {
		errs = append(errs, errors.New("retry.interval must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers required when kafka is enabled"))
	}
	if err := c.Commission.Rates.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, kind := range []domain.RequestKind{domain.RequestKindRide, domain.RequestKindDelivery} {
		if _, ok := c.Commission.Rates[kind]; !ok {
			errs = append(errs, fmt.Errorf("commission.rates.%s missing", kind))
		}
	}
	return errors.Join(errs...)
}

// InitialRadius returns the first search radius for a request kind.
func (c DispatchConfig) InitialRadius(kind domain.RequestKind) float64 {
	if kind == domain.RequestKindDelivery {
		return c.DeliveryRadiusMeters
	}
	return c.RideRadiusMeters
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
