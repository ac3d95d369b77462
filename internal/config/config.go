package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gpubatch server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
	Resources ResourceConfig
	Cost      CostConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
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

type ProvidersConfig struct {
	Enabled        []string
	Timeout        time.Duration
	RequestsPerSec float64
	OfferCacheTTL  time.Duration
	VastAI         VastAIConfig
	RunPod         RunPodConfig
}

type VastAIConfig struct {
	APIKey  string
	BaseURL string
}

type RunPodConfig struct {
	APIKey  string
	BaseURL string
}

type SchedulerConfig struct {
	Workers                  int
	PollInterval             time.Duration
	MaxAttempts              int
	RetryBaseDelay           time.Duration
	DefaultBatchSize         int
	DefaultMaxConcurrentJobs int
	FileOperationTimeout     time.Duration
	DefaultHourlyRate        float64
}

type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
}

type ResourceConfig struct {
	PollInterval       time.Duration
	OptimizeInterval   time.Duration
	IdleUtilizationPct float64
	IdleDuration       time.Duration
	HighUtilizationPct float64
	DefaultImage       string
}

type CostConfig struct {
	DailyAlertThreshold float64
}

var validProviders = map[string]bool{
	"vastai": true,
	"runpod": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("GPUBATCH_PORT", 8080),
			Env:                envString("GPUBATCH_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Providers: ProvidersConfig{
			Enabled:        envList("GPU_PROVIDERS"),
			Timeout:        envDuration("PROVIDER_TIMEOUT", 30*time.Second),
			RequestsPerSec: envFloat("PROVIDER_REQUESTS_PER_SEC", 5),
			OfferCacheTTL:  envDuration("OFFER_CACHE_TTL", 30*time.Second),
			VastAI: VastAIConfig{
				APIKey:  os.Getenv("VASTAI_API_KEY"),
				BaseURL: envString("VASTAI_BASE_URL", "https://console.vast.ai/api/v0"),
			},
			RunPod: RunPodConfig{
				APIKey:  os.Getenv("RUNPOD_API_KEY"),
				BaseURL: envString("RUNPOD_BASE_URL", "https://api.runpod.io/graphql"),
			},
		},
		Scheduler: SchedulerConfig{
			Workers:                  envInt("SCHEDULER_WORKERS", 4),
			PollInterval:             envDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
			MaxAttempts:              envInt("SCHEDULER_MAX_ATTEMPTS", 3),
			RetryBaseDelay:           envDuration("SCHEDULER_RETRY_BASE_DELAY", 2*time.Second),
			DefaultBatchSize:         envInt("SCHEDULER_DEFAULT_BATCH_SIZE", 10),
			DefaultMaxConcurrentJobs: envInt("SCHEDULER_DEFAULT_MAX_CONCURRENT", 3),
			FileOperationTimeout:     envDuration("FILE_OPERATION_TIMEOUT", 5*time.Minute),
			DefaultHourlyRate:        envFloat("DEFAULT_HOURLY_RATE", 0.5),
		},
		Executor: ExecutorConfig{
			BaseURL: os.Getenv("EXECUTOR_BASE_URL"),
			Timeout: envDuration("EXECUTOR_TIMEOUT", 10*time.Minute),
		},
		Resources: ResourceConfig{
			PollInterval:       envDuration("RESOURCE_POLL_INTERVAL", 30*time.Second),
			OptimizeInterval:   envDuration("RESOURCE_OPTIMIZE_INTERVAL", 5*time.Minute),
			IdleUtilizationPct: envFloat("RESOURCE_IDLE_UTILIZATION", 5),
			IdleDuration:       envDuration("RESOURCE_IDLE_DURATION", 60*time.Minute),
			HighUtilizationPct: envFloat("RESOURCE_HIGH_UTILIZATION", 80),
			DefaultImage:       envString("RESOURCE_DEFAULT_IMAGE", "gpubatch/inference:latest"),
		},
		Cost: CostConfig{
			DailyAlertThreshold: envFloat("COST_ALERT_THRESHOLD", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if len(c.Providers.Enabled) == 0 {
		return fmt.Errorf("GPU_PROVIDERS is required")
	}
	for _, p := range c.Providers.Enabled {
		if !validProviders[p] {
			return fmt.Errorf("GPU_PROVIDERS entries must be one of vastai, runpod, mock; got %q", p)
		}
		if p == "vastai" && c.Providers.VastAI.APIKey == "" {
			return fmt.Errorf("VASTAI_API_KEY is required when GPU_PROVIDERS includes vastai")
		}
		if p == "runpod" && c.Providers.RunPod.APIKey == "" {
			return fmt.Errorf("RUNPOD_API_KEY is required when GPU_PROVIDERS includes runpod")
		}
	}

	if c.Executor.BaseURL == "" {
		return fmt.Errorf("EXECUTOR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Executor.BaseURL, "http://") && !strings.HasPrefix(c.Executor.BaseURL, "https://") {
		return fmt.Errorf("EXECUTOR_BASE_URL must start with http:// or https://, got %q", c.Executor.BaseURL)
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("SCHEDULER_MAX_ATTEMPTS must be at least 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.DefaultHourlyRate < 0 {
		return fmt.Errorf("DEFAULT_HOURLY_RATE must not be negative")
	}
	if c.Resources.IdleUtilizationPct < 0 || c.Resources.IdleUtilizationPct > 100 {
		return fmt.Errorf("RESOURCE_IDLE_UTILIZATION must be between 0 and 100, got %v", c.Resources.IdleUtilizationPct)
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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

// envList splits a comma separated value, dropping blanks and lowercasing entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
