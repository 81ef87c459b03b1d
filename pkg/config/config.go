// Package config loads the relay configuration from the environment.
//
// Environment variables:
//
//	RUNPOD_API_KEY                       — RunPod API key(s), comma-separated (required)
//	RUNPOD_ENDPOINT_ID                   — RunPod serverless endpoint ID (required)
//	RUNPOD_BASE_URL                      — API base URL (default: https://api.runpod.ai)
//	RUNPOD_MAX_TOKENS                    — generation max_tokens (default: 1000)
//	RUNPOD_TEMPERATURE                   — generation temperature in [0,1] (default: 0.7)
//	RUNPOD_TOP_P                         — generation top_p in [0,1] (default: 0.9)
//	RUNPOD_STREAM                        — generation stream flag (default: true)
//	RUNPOD_TIMEOUT                       — per-call HTTP timeout (default: 30s)
//	RUNPOD_MAX_RETRIES                   — submission retries (default: 3)
//	RUNPOD_RETRY_DELAY                   — base submission backoff (default: 1s)
//	RUNPOD_POLL_INTERVAL                 — delay between status polls (default: 3s)
//	RUNPOD_POLL_MAX_ATTEMPTS             — non-terminal polls before timing out (default: 60)
//	RUNPOD_POLL_INITIAL_DELAY            — delay before the first poll (default: 0)
//	RUNPOD_POLL_MAX_CONSECUTIVE_FAILURES — status read failures in a row before giving up (default: 10, 0 = unbounded)
//	CB_FAILURE_THRESHOLD                 — circuit breaker failure threshold (default: 5)
//	CB_COOLDOWN                          — circuit breaker cooldown (default: 30s)
//	REDIS_ADDR                           — Redis address for the job ledger (default: "" = disabled)
//	REDIS_PASSWORD                       — Redis password (default: "")
//	REDIS_DB                             — Redis database (default: 0)
//	JOB_TTL                              — job ledger record TTL (default: 24h)
//	HTTP_ADDR                            — chat HTTP listener (default: :8080)
//	GRPC_ADDR                            — gRPC listener (default: :50051)
//	METRICS_ADDR                         — metrics/health listener (default: :9090)
//	LOG_LEVEL                            — zerolog level (default: info)
//	LOG_FORMAT                           — json or console (default: json)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	EnvAPIKey     = "RUNPOD_API_KEY"
	EnvEndpointID = "RUNPOD_ENDPOINT_ID"

	DefaultBaseURL = "https://api.runpod.ai"
)

// ConfigError reports a missing or invalid setting. It never carries the
// value of a secret.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// Credentials identify the RunPod account and endpoint.
type Credentials struct {
	APIKeys    []string
	EndpointID string
}

// String redacts the keys so Credentials can be printed safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_keys:%d endpoint_id:%s}", len(c.APIKeys), c.EndpointID)
}

// MarshalZerologObject logs whether keys are present, never the keys.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("has_api_key", len(c.APIKeys) > 0).
		Int("api_key_count", len(c.APIKeys)).
		Str("endpoint_id", c.EndpointID)
}

// GenerationParams are forwarded verbatim in the job input.
type GenerationParams struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

type EndpointConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

type PollConfig struct {
	Interval               time.Duration
	MaxAttempts            int
	InitialDelay           time.Duration
	MaxConsecutiveFailures int
}

type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	JobTTL   time.Duration
}

// Enabled reports whether the job ledger should be started.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type ServerConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
}

type LogConfig struct {
	Level  string
	Format string
}

// Config is read once at startup and shared read-only afterwards.
type Config struct {
	Credentials    Credentials
	Generation     GenerationParams
	Endpoint       EndpointConfig
	Poll           PollConfig
	CircuitBreaker CircuitBreakerConfig
	Redis          RedisConfig
	Server         ServerConfig
	Log            LogConfig
}

// Defaults returns the compiled-in configuration without credentials.
func Defaults() Config {
	return Config{
		Generation: GenerationParams{
			MaxTokens:   1000,
			Temperature: 0.7,
			TopP:        0.9,
			Stream:      true,
		},
		Endpoint: EndpointConfig{
			BaseURL:        DefaultBaseURL,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     time.Second,
		},
		Poll: PollConfig{
			Interval:               3 * time.Second,
			MaxAttempts:            60,
			MaxConsecutiveFailures: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Redis: RedisConfig{JobTTL: 24 * time.Hour},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":50051",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are not an error.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(existing...), "load .env")
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := Defaults()

	cfg.Credentials.APIKeys = splitKeys(getenv(EnvAPIKey))
	if len(cfg.Credentials.APIKeys) == 0 {
		return nil, &ConfigError{Key: EnvAPIKey, Reason: "is not set in environment variables"}
	}
	cfg.Credentials.EndpointID = strings.TrimSpace(getenv(EnvEndpointID))
	if cfg.Credentials.EndpointID == "" {
		return nil, &ConfigError{Key: EnvEndpointID, Reason: "is not set in environment variables"}
	}

	cfg.Endpoint.BaseURL = strings.TrimRight(e.str("RUNPOD_BASE_URL", cfg.Endpoint.BaseURL), "/")
	cfg.Generation.MaxTokens = e.int("RUNPOD_MAX_TOKENS", cfg.Generation.MaxTokens)
	cfg.Generation.Temperature = e.float("RUNPOD_TEMPERATURE", cfg.Generation.Temperature)
	cfg.Generation.TopP = e.float("RUNPOD_TOP_P", cfg.Generation.TopP)
	cfg.Generation.Stream = e.bool("RUNPOD_STREAM", cfg.Generation.Stream)
	cfg.Endpoint.RequestTimeout = e.duration("RUNPOD_TIMEOUT", cfg.Endpoint.RequestTimeout)
	cfg.Endpoint.MaxRetries = e.int("RUNPOD_MAX_RETRIES", cfg.Endpoint.MaxRetries)
	cfg.Endpoint.RetryDelay = e.duration("RUNPOD_RETRY_DELAY", cfg.Endpoint.RetryDelay)
	cfg.Poll.Interval = e.duration("RUNPOD_POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.MaxAttempts = e.int("RUNPOD_POLL_MAX_ATTEMPTS", cfg.Poll.MaxAttempts)
	cfg.Poll.InitialDelay = e.duration("RUNPOD_POLL_INITIAL_DELAY", cfg.Poll.InitialDelay)
	cfg.Poll.MaxConsecutiveFailures = e.int("RUNPOD_POLL_MAX_CONSECUTIVE_FAILURES", cfg.Poll.MaxConsecutiveFailures)
	cfg.CircuitBreaker.FailureThreshold = e.int("CB_FAILURE_THRESHOLD", cfg.CircuitBreaker.FailureThreshold)
	cfg.CircuitBreaker.Cooldown = e.duration("CB_COOLDOWN", cfg.CircuitBreaker.Cooldown)
	cfg.Redis.Addr = e.str("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = e.str("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = e.int("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.JobTTL = e.duration("JOB_TTL", cfg.Redis.JobTTL)
	cfg.Server.HTTPAddr = e.str("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = e.str("GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Server.MetricsAddr = e.str("METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Log.Level = e.str("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = e.str("LOG_FORMAT", cfg.Log.Format)

	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that the environment parsers cannot.
func (c *Config) Validate() error {
	switch {
	case c.Generation.MaxTokens <= 0:
		return &ConfigError{Key: "RUNPOD_MAX_TOKENS", Reason: "must be positive"}
	case c.Generation.Temperature < 0 || c.Generation.Temperature > 1:
		return &ConfigError{Key: "RUNPOD_TEMPERATURE", Reason: "must be within [0,1]"}
	case c.Generation.TopP < 0 || c.Generation.TopP > 1:
		return &ConfigError{Key: "RUNPOD_TOP_P", Reason: "must be within [0,1]"}
	case c.Endpoint.RequestTimeout <= 0:
		return &ConfigError{Key: "RUNPOD_TIMEOUT", Reason: "must be positive"}
	case c.Endpoint.MaxRetries < 0:
		return &ConfigError{Key: "RUNPOD_MAX_RETRIES", Reason: "must not be negative"}
	case c.Poll.Interval <= 0:
		return &ConfigError{Key: "RUNPOD_POLL_INTERVAL", Reason: "must be positive"}
	case c.Poll.MaxAttempts <= 0:
		return &ConfigError{Key: "RUNPOD_POLL_MAX_ATTEMPTS", Reason: "must be positive"}
	case c.Poll.MaxConsecutiveFailures < 0:
		return &ConfigError{Key: "RUNPOD_POLL_MAX_CONSECUTIVE_FAILURES", Reason: "must not be negative"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// env records the first parse error. An invalid value is reported, never
// replaced by its default.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) fail(key, reason string) {
	if e.err == nil {
		e.err = &ConfigError{Key: key, Reason: reason}
	}
}

func (e *env) str(key, defaultVal string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func (e *env) int(key string, defaultVal int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "must be an integer")
		return defaultVal
	}
	return i
}

func (e *env) float(key string, defaultVal float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "must be a number")
		return defaultVal
	}
	return f
}

func (e *env) bool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "must be a boolean")
		return defaultVal
	}
	return b
}

// duration accepts Go durations ("3s") and bare integers as milliseconds.
func (e *env) duration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultVal
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, "must be a duration")
		return defaultVal
	}
	return d
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
