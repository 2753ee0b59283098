package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file applied on top of the defaults.
// Environment variables still win over it.
const FileEnv = "PUSHATTEST_CONFIG"

type Config struct {
	// Backend
	BackendURL  string        `yaml:"backend_url"`
	AccessToken string        `yaml:"access_token"`
	AccountID   string        `yaml:"account_id"`
	DeviceToken string        `yaml:"device_token"`
	HTTPTimeout time.Duration `yaml:"-"`

	// Device state
	StateDSN      string `yaml:"state_dsn"`
	EnclavePath   string `yaml:"enclave_path"`
	EnclaveSecret string `yaml:"enclave_secret"`

	// Protocol
	BreakerMaxAttempts        int           `yaml:"breaker_max_attempts"`
	BreakerResetInterval      time.Duration `yaml:"-"`
	ChallengeFetchAttempts    int           `yaml:"challenge_fetch_attempts"`
	UnsupportedRetryAttempts  int           `yaml:"unsupported_retry_attempts"`
	UnsupportedRetryBaseDelay time.Duration `yaml:"-"`

	// Logging
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	// Simulator
	SimAddr        string `yaml:"sim_addr"`
	SimRateLimit   int    `yaml:"sim_rate_limit"`
	SimJWTSecret   string `yaml:"sim_jwt_secret"`
	SimCORSOrigins string `yaml:"sim_cors_origins"`
}

// fileDurations holds the duration keys of the YAML file as strings.
type fileDurations struct {
	HTTPTimeout               string `yaml:"http_timeout"`
	BreakerResetInterval      string `yaml:"breaker_reset_interval"`
	UnsupportedRetryBaseDelay string `yaml:"unsupported_retry_base_delay"`
}

func Defaults() Config {
	return Config{
		BackendURL:                "http://localhost:8090",
		HTTPTimeout:               10 * time.Second,
		StateDSN:                  "pushattest-state.db",
		EnclavePath:               "pushattest-enclave.bin",
		BreakerMaxAttempts:        3,
		BreakerResetInterval:      300 * time.Second,
		ChallengeFetchAttempts:    3,
		UnsupportedRetryAttempts:  3,
		UnsupportedRetryBaseDelay: 200 * time.Millisecond,
		LogLevel:                  "info",
		Environment:               "development",
		SimAddr:                   ":8090",
		SimRateLimit:              600,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by PUSHATTEST_CONFIG, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv(FileEnv); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BackendURL = getenv("BACKEND_URL", cfg.BackendURL)
	cfg.AccessToken = getenv("ACCESS_TOKEN", cfg.AccessToken)
	cfg.AccountID = getenv("ACCOUNT_ID", cfg.AccountID)
	cfg.DeviceToken = getenv("DEVICE_TOKEN", cfg.DeviceToken)
	cfg.HTTPTimeout = getdur("HTTP_TIMEOUT", cfg.HTTPTimeout)

	cfg.StateDSN = getenv("STATE_DSN", cfg.StateDSN)
	cfg.EnclavePath = getenv("ENCLAVE_PATH", cfg.EnclavePath)
	cfg.EnclaveSecret = getenv("ENCLAVE_SECRET", cfg.EnclaveSecret)

	cfg.BreakerMaxAttempts = getint("BREAKER_MAX_ATTEMPTS", cfg.BreakerMaxAttempts)
	cfg.BreakerResetInterval = getdur("BREAKER_RESET_INTERVAL", cfg.BreakerResetInterval)
	cfg.ChallengeFetchAttempts = getint("CHALLENGE_FETCH_ATTEMPTS", cfg.ChallengeFetchAttempts)
	cfg.UnsupportedRetryAttempts = getint("UNSUPPORTED_RETRY_ATTEMPTS", cfg.UnsupportedRetryAttempts)
	cfg.UnsupportedRetryBaseDelay = getdur("UNSUPPORTED_RETRY_BASE_DELAY", cfg.UnsupportedRetryBaseDelay)

	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.Environment = getenv("ENVIRONMENT", cfg.Environment)

	cfg.SimAddr = getenv("SIM_ADDR", cfg.SimAddr)
	cfg.SimRateLimit = getint("SIM_RATE_LIMIT", cfg.SimRateLimit)
	cfg.SimJWTSecret = getenv("SIM_JWT_SECRET", cfg.SimJWTSecret)
	cfg.SimCORSOrigins = getenv("SIM_CORS_ORIGINS", cfg.SimCORSOrigins)

	if cfg.BreakerMaxAttempts <= 0 {
		slog.Warn("config: invalid breaker max attempts, defaulting", "value", cfg.BreakerMaxAttempts)
		cfg.BreakerMaxAttempts = 3
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var durs fileDurations
	if err := yaml.Unmarshal(data, &durs); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"http_timeout", durs.HTTPTimeout, &cfg.HTTPTimeout},
		{"breaker_reset_interval", durs.BreakerResetInterval, &cfg.BreakerResetInterval},
		{"unsupported_retry_base_delay", durs.UnsupportedRetryBaseDelay, &cfg.UnsupportedRetryBaseDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// CORSOrigins splits SimCORSOrigins; empty means any origin.
func (c Config) CORSOrigins() []string {
	out := []string{}
	for _, o := range strings.Split(c.SimCORSOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", k, "value", v, "default", def)
	}
	return def
}
