package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	DatabaseURL              string   `yaml:"databaseURL"`
	BFLAPIKey                string   `yaml:"bflApiKey"`
	BFLBaseURL               string   `yaml:"bflBaseURL"`
	PublicURL                string   `yaml:"publicURL"`
	PollIntervalSeconds      int      `yaml:"pollIntervalSeconds"`
	MaxPollAttempts          int      `yaml:"maxPollAttempts"`
	MaxConcurrentGenerations int      `yaml:"maxConcurrentGenerations"`
	MaxUploadBytes           int64    `yaml:"maxUploadBytes"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if dsn := postgresDSNFromEnv(); dsn != "" && os.Getenv("DATABASE_URL") == "" {
		cfg.DatabaseURL = dsn
	}
	if v := os.Getenv("BFL_API_KEY"); v != "" {
		cfg.BFLAPIKey = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PETECHOES_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("PETECHOES_MAX_CONCURRENT_GENERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentGenerations = n
		}
	}
	if v := os.Getenv("PETECHOES_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// postgresDSNFromEnv assembles a DSN from the discrete POSTGRES_* variables
// the deployment platform provides, with the documented fallback names.
func postgresDSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	database := firstEnv("POSTGRES_DATABASE", "POSTGRES_DB")
	user := firstEnv("POSTGRES_USERNAME", "POSTGRES_USER")
	password := firstEnv("POSTGRES_PASSWORD", "PASSWORD")

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + port,
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	if user != "" {
		if password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func applyDefaults(cfg *FileConfig) {
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 60
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml, DATABASE_URL, or POSTGRES_* variables)")
	}
	if strings.TrimSpace(cfg.BFLAPIKey) == "" {
		return errors.New("config: bflApiKey is required (set in config.yaml or BFL_API_KEY)")
	}
	if strings.TrimSpace(cfg.PublicURL) == "" {
		return errors.New("config: publicURL is required (set in config.yaml or PUBLIC_URL)")
	}
	if cfg.MaxConcurrentGenerations < 0 {
		return errors.New("config: maxConcurrentGenerations must be >= 0")
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	if cfg.UploadRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when uploadRateLimitPerMinute is set")
	}
	return nil
}
