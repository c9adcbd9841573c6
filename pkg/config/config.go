package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type InventoryConfig struct {
	BaseURL          string        `yaml:"base_url"`
	ServiceToken     string        `yaml:"service_token"`
	Timeout          time.Duration `yaml:"timeout"`
	RemoteIdempotent bool          `yaml:"remote_idempotent"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	BreakerFailures  int           `yaml:"breaker_failures"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	Precheck         bool          `yaml:"precheck"`
}

type EventsConfig struct {
	Brokers  []string `yaml:"brokers"`
	Exchange string   `yaml:"exchange"`
	Buffer   int      `yaml:"buffer"`
	Source   string   `yaml:"source"`
}

type Config struct {
	Port               string          `yaml:"port"`
	LogLevel           string          `yaml:"log_level"`
	Database           DatabaseConfig  `yaml:"database"`
	Inventory          InventoryConfig `yaml:"inventory"`
	Events             EventsConfig    `yaml:"events"`
	RedisAddr          string          `yaml:"redis_addr"`
	MaxBooksPerUser    int             `yaml:"max_books_per_user"`
	MaxReservationDays int             `yaml:"max_reservation_days"`
	SweepInterval      time.Duration   `yaml:"sweep_interval"`
	SweepPageSize      int             `yaml:"sweep_page_size"`
	ReconcileInterval  time.Duration   `yaml:"reconcile_interval"`
	ReconcileRetries   int             `yaml:"reconcile_max_retries"`
	JWTSecret          string          `yaml:"jwt_secret"`
	RateLimitRequests  int             `yaml:"rate_limit_requests"`
	RateLimitPeriod    time.Duration   `yaml:"rate_limit_period"`
	JaegerEndpoint     string          `yaml:"jaeger_endpoint"`
}

// Load builds the reservation service configuration from the environment,
// then applies the YAML file named by CONFIG_FILE on top when set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8070"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "postgres"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "program"),
			Password: getEnv("DB_PASSWORD", "test"),
			Name:     getEnv("DB_NAME", "reservations"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Inventory: InventoryConfig{
			BaseURL:          getEnv("BOOK_SERVICE_URL", "http://localhost:8000"),
			ServiceToken:     getEnv("SERVICE_TOKEN", "internal-service-token"),
			Timeout:          getEnvDuration("INVENTORY_TIMEOUT", 5*time.Second),
			RemoteIdempotent: getEnvBool("INVENTORY_REMOTE_IDEMPOTENT", true),
			IdempotencyTTL:   getEnvDuration("IDEMPOTENCY_TTL", 10*time.Minute),
			RetryAttempts:    getEnvInt("INVENTORY_RETRY_ATTEMPTS", 3),
			BreakerFailures:  getEnvInt("INVENTORY_BREAKER_FAILURES", 5),
			BreakerCooldown:  getEnvDuration("INVENTORY_BREAKER_COOLDOWN", 30*time.Second),
			Precheck:         getEnvBool("INVENTORY_PRECHECK", true),
		},
		Events: EventsConfig{
			Brokers:  splitList(getEnv("KAFKA_BROKERS", "")),
			Exchange: getEnv("EVENTS_EXCHANGE", "library_events"),
			Buffer:   getEnvInt("EVENTS_BUFFER", 256),
			Source:   getEnv("EVENTS_SOURCE", "reservation-service"),
		},
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		MaxBooksPerUser:    getEnvInt("MAX_BOOKS_PER_USER", 5),
		MaxReservationDays: getEnvInt("MAX_RESERVATION_DAYS", 14),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepPageSize:      getEnvInt("SWEEP_PAGE_SIZE", 100),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileRetries:   getEnvInt("RECONCILE_MAX_RETRIES", 8),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		RateLimitRequests:  getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitPeriod:    getEnvSeconds("RATE_LIMIT_PERIOD", 15*time.Minute),
		JaegerEndpoint:     getEnv("JAEGER_ENDPOINT", ""),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.MaxBooksPerUser <= 0 {
		return fmt.Errorf("max_books_per_user must be positive, got %d", c.MaxBooksPerUser)
	}
	if c.MaxReservationDays <= 0 {
		return fmt.Errorf("max_reservation_days must be positive, got %d", c.MaxReservationDays)
	}
	if c.Inventory.Timeout <= 0 {
		return fmt.Errorf("inventory timeout must be positive")
	}
	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("sweep and reconcile intervals must be positive")
	}
	if c.SweepPageSize <= 0 {
		c.SweepPageSize = 100
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go duration strings ("5s", "1m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvSeconds accepts either a bare number of seconds or a duration string.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return getEnvDuration(key, defaultValue)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
