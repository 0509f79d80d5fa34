package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"raffler/database"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseName     string `mapstructure:"DATABASE_NAME"`
	DatabaseMaxConns int32  `mapstructure:"DATABASE_MAX_CONNS"`

	// Broker configuration. An empty URL runs the pipelines on the in-memory broker.
	RabbitMQURL          string        `mapstructure:"RABBITMQ_URL"`
	BalanceQueue         string        `mapstructure:"BALANCE_QUEUE"`
	RPCTimeout           time.Duration `mapstructure:"RPC_TIMEOUT"`
	BrokerRetryDelay     time.Duration `mapstructure:"BROKER_RETRY_DELAY"`
	BrokerReconnectDelay time.Duration `mapstructure:"BROKER_RECONNECT_DELAY"`

	// Cache configuration. An empty URL keeps snapshots in process memory.
	RedisURL            string `mapstructure:"REDIS_URL"`
	CacheKeyPrefix      string `mapstructure:"CACHE_KEY_PREFIX"`
	CacheEndedRetention int    `mapstructure:"CACHE_ENDED_RETENTION"`

	// NATS configuration. Empty disables broadcasting.
	NATSServers string `mapstructure:"NATS_SERVERS"`

	// Draw configuration
	RevealDuration        time.Duration `mapstructure:"REVEAL_DURATION"`
	DeadlineSweepInterval time.Duration `mapstructure:"DEADLINE_SWEEP_INTERVAL"`

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// OpenTelemetry configuration
	OTelServiceName    string        `mapstructure:"OTEL_SERVICE_NAME"`
	OTelExporterType   string        `mapstructure:"OTEL_EXPORTER_TYPE"` // "none", "console" or "otlp"
	OTelOTLPEndpoint   string        `mapstructure:"OTEL_OTLP_ENDPOINT"`
	OTelExportInterval time.Duration `mapstructure:"OTEL_EXPORT_INTERVAL"`

	// Environment
	Environment string `mapstructure:"ENVIRONMENT"` // "development", "production" or "test"
}

var (
	instance *Config
	once     sync.Once
	mu       sync.Mutex // Protects instance for test setup
)

// Get returns the global configuration instance
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()

	// If instance is already set (e.g., by tests), return it
	if instance != nil {
		return instance
	}

	once.Do(func() {
		var err error
		instance, err = Load()
		if err != nil {
			if os.Getenv("GO_TEST") == "1" || os.Getenv("ENVIRONMENT") == "test" {
				instance = NewTestConfig()
			} else {
				panic(fmt.Sprintf("failed to load config: %v", err))
			}
		}
	})
	return instance
}

// GetDatabaseURL constructs the full database URL by combining base URL and database name
func (c *Config) GetDatabaseURL() string {
	return database.ConstructDatabaseURL(c.DatabaseURL, c.DatabaseName)
}

// IsDevelopment reports whether the process runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads configuration from the environment, after loading a .env file if present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to read .env file")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	config.NATSServers = strings.TrimSpace(config.NATSServers)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var keys = []string{
	"DATABASE_URL",
	"DATABASE_NAME",
	"DATABASE_MAX_CONNS",
	"RABBITMQ_URL",
	"BALANCE_QUEUE",
	"RPC_TIMEOUT",
	"BROKER_RETRY_DELAY",
	"BROKER_RECONNECT_DELAY",
	"REDIS_URL",
	"CACHE_KEY_PREFIX",
	"CACHE_ENDED_RETENTION",
	"NATS_SERVERS",
	"REVEAL_DURATION",
	"DEADLINE_SWEEP_INTERVAL",
	"LOG_LEVEL",
	"OTEL_SERVICE_NAME",
	"OTEL_EXPORTER_TYPE",
	"OTEL_OTLP_ENDPOINT",
	"OTEL_EXPORT_INTERVAL",
	"ENVIRONMENT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_MAX_CONNS", 20)
	v.SetDefault("BALANCE_QUEUE", "balance_mutations")
	v.SetDefault("RPC_TIMEOUT", "10s")
	v.SetDefault("BROKER_RETRY_DELAY", "1s")
	v.SetDefault("BROKER_RECONNECT_DELAY", "2s")
	v.SetDefault("CACHE_KEY_PREFIX", "raffler:raffles:")
	v.SetDefault("CACHE_ENDED_RETENTION", 20)
	v.SetDefault("REVEAL_DURATION", "30s")
	v.SetDefault("DEADLINE_SWEEP_INTERVAL", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_SERVICE_NAME", "raffler")
	v.SetDefault("OTEL_EXPORTER_TYPE", "none")
	v.SetDefault("OTEL_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_EXPORT_INTERVAL", "30s")
	v.SetDefault("ENVIRONMENT", "development")
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.Environment == "test" {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	// If DatabaseName is provided, ensure it's not empty
	if c.DatabaseName != "" && strings.TrimSpace(c.DatabaseName) == "" {
		return fmt.Errorf("DATABASE_NAME cannot be empty when provided")
	}
	if c.DatabaseMaxConns < 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS cannot be negative")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}
	if c.RevealDuration < 0 {
		return fmt.Errorf("REVEAL_DURATION cannot be negative")
	}
	if c.DeadlineSweepInterval < time.Second {
		return fmt.Errorf("DEADLINE_SWEEP_INTERVAL must be at least 1s")
	}
	if c.CacheEndedRetention < 0 {
		return fmt.Errorf("CACHE_ENDED_RETENTION cannot be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	switch c.OTelExporterType {
	case "none", "console":
	case "otlp":
		if c.OTelOTLPEndpoint == "" {
			return fmt.Errorf("OTEL_OTLP_ENDPOINT is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("OTEL_EXPORTER_TYPE must be none, console or otlp, got %q", c.OTelExporterType)
	}
	if c.OTelExportInterval <= 0 {
		return fmt.Errorf("OTEL_EXPORT_INTERVAL must be positive")
	}
	return nil
}

// Test helpers - only use in tests

// SetTestConfig overrides the global config instance for testing
// This should only be called from test files
func SetTestConfig(testConfig *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = testConfig
}

// ResetConfig resets the global config instance and sync.Once for testing
// This should only be called from test files
func ResetConfig() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}

// NewTestConfig creates a minimal config suitable for unit tests
func NewTestConfig() *Config {
	return &Config{
		BalanceQueue:          "balance_mutations",
		RPCTimeout:            2 * time.Second,
		BrokerRetryDelay:      10 * time.Millisecond,
		BrokerReconnectDelay:  100 * time.Millisecond,
		CacheKeyPrefix:        "raffler:test:",
		CacheEndedRetention:   20,
		RevealDuration:        0,
		DeadlineSweepInterval: time.Second,
		LogLevel:              "debug",
		OTelServiceName:       "raffler-test",
		OTelExporterType:      "none",
		OTelExportInterval:    time.Second,
		Environment:           "test",
	}
}
