package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gencoord server.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Coordinator CoordinatorConfig
	Providers   ProvidersConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	PublicBaseURL string
	// RateLimit caps all authenticated requests per user per minute.
	RateLimit int
	// SubmitRateLimit caps job submissions per user per minute.
	SubmitRateLimit int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// CoordinatorConfig tunes submission, polling, restoration and reconciliation.
type CoordinatorConfig struct {
	WebhookGrace    time.Duration
	PollInterval    time.Duration
	MaxAttempts     int
	ToolMaxAttempts map[string]int
	RestoreWindow   time.Duration
	RefundOnFailure bool

	SubmitRetries     int
	SubmitBackoff     time.Duration
	SubmitMaxBackoff  time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int
}

// MaxAttemptsFor returns the poll attempt budget for a tool.
func (c CoordinatorConfig) MaxAttemptsFor(toolID string) int {
	if n, ok := c.ToolMaxAttempts[toolID]; ok && n > 0 {
		return n
	}
	return c.MaxAttempts
}

type ProvidersConfig struct {
	Default   string
	Replicate ReplicateConfig
	Fal       FalConfig
	Timeout   time.Duration
}

type ReplicateConfig struct {
	APIToken      string
	BaseURL       string
	WebhookSecret string
	// Models maps tool id to a model version hash.
	Models map[string]string
}

type FalConfig struct {
	APIKey       string
	BaseURL      string
	WebhookToken string
	// Models maps tool id to a fal application id, e.g. "fal-ai/flux/dev".
	Models map[string]string
}

type MetricsConfig struct {
	Enabled bool
}

var validProviders = map[string]bool{
	"replicate": true,
	"fal":       true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("GENCOORD_PORT", 8080),
			Env:             envString("GENCOORD_ENV", "development"),
			PublicBaseURL:   strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
			RateLimit:       envInt("RATE_LIMIT_PER_MINUTE", 120),
			SubmitRateLimit: envInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 20),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Coordinator: CoordinatorConfig{
			WebhookGrace:      envDuration("POLL_WEBHOOK_GRACE", 5*time.Second),
			PollInterval:      envDuration("POLL_INTERVAL", 2*time.Second),
			MaxAttempts:       envInt("POLL_MAX_ATTEMPTS", 150),
			ToolMaxAttempts:   envIntMap("POLL_TOOL_MAX_ATTEMPTS", map[string]int{"video-editor": 300, "avatar": 300}),
			RestoreWindow:     envDuration("RESTORE_WINDOW", 5*time.Minute),
			RefundOnFailure:   envBool("REFUND_ON_FAILURE", true),
			SubmitRetries:     envInt("SUBMIT_RETRIES", 2),
			SubmitBackoff:     envDuration("SUBMIT_BACKOFF", 500*time.Millisecond),
			SubmitMaxBackoff:  envDuration("SUBMIT_MAX_BACKOFF", 5*time.Second),
			ReconcileInterval: envDuration("RECONCILE_INTERVAL", time.Minute),
			ReconcileBatch:    envInt("RECONCILE_BATCH", 50),
		},
		Providers: ProvidersConfig{
			Default: envString("DEFAULT_PROVIDER", "replicate"),
			Timeout: envDurationSecs("PROVIDER_TIMEOUT_SECS", 30*time.Second),
			Replicate: ReplicateConfig{
				APIToken:      os.Getenv("REPLICATE_API_TOKEN"),
				BaseURL:       envString("REPLICATE_BASE_URL", "https://api.replicate.com"),
				WebhookSecret: os.Getenv("REPLICATE_WEBHOOK_SECRET"),
				Models:        envStringMap("REPLICATE_MODELS", nil),
			},
			Fal: FalConfig{
				APIKey:       os.Getenv("FAL_KEY"),
				BaseURL:      envString("FAL_QUEUE_URL", "https://queue.fal.run"),
				WebhookToken: os.Getenv("FAL_WEBHOOK_TOKEN"),
				Models:       envStringMap("FAL_MODELS", nil),
			},
		},
		Metrics: MetricsConfig{
			Enabled: envBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Operator commands that touch
// nothing but Postgres use it so they run without provider credentials.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.PublicBaseURL != "" &&
		!strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if !validProviders[c.Providers.Default] {
		return fmt.Errorf("DEFAULT_PROVIDER must be one of replicate, fal; got %q", c.Providers.Default)
	}
	if c.Providers.Replicate.APIToken == "" && c.Providers.Fal.APIKey == "" {
		return fmt.Errorf("at least one of REPLICATE_API_TOKEN or FAL_KEY is required")
	}
	if c.Providers.Default == "replicate" && c.Providers.Replicate.APIToken == "" {
		return fmt.Errorf("REPLICATE_API_TOKEN is required when DEFAULT_PROVIDER is replicate")
	}
	if c.Providers.Default == "fal" && c.Providers.Fal.APIKey == "" {
		return fmt.Errorf("FAL_KEY is required when DEFAULT_PROVIDER is fal")
	}
	if c.Server.PublicBaseURL != "" {
		if c.Providers.Replicate.APIToken != "" && c.Providers.Replicate.WebhookSecret == "" {
			return fmt.Errorf("REPLICATE_WEBHOOK_SECRET is required when PUBLIC_BASE_URL is set")
		}
		if c.Providers.Fal.APIKey != "" && c.Providers.Fal.WebhookToken == "" {
			return fmt.Errorf("FAL_WEBHOOK_TOKEN is required when PUBLIC_BASE_URL is set")
		}
	}

	co := c.Coordinator
	if co.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", co.PollInterval)
	}
	if co.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", co.MaxAttempts)
	}
	if co.WebhookGrace < 0 {
		return fmt.Errorf("POLL_WEBHOOK_GRACE must not be negative, got %s", co.WebhookGrace)
	}
	for tool, n := range co.ToolMaxAttempts {
		if n <= 0 {
			return fmt.Errorf("POLL_TOOL_MAX_ATTEMPTS: %s must be positive, got %d", tool, n)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envStringMap parses "k1=v1,k2=v2". Malformed pairs are skipped.
func envStringMap(key string, defaultVal map[string]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		if defaultVal == nil {
			return map[string]string{}
		}
		return defaultVal
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(val) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}

func envIntMap(key string, defaultVal map[string]int) map[string]int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	out := make(map[string]int)
	for k, raw := range envStringMap(key, nil) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
