package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Known deployment environments used for feature flag overrides.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Redis      RedisConfig      `yaml:"redis"`
	TokenStore TokenStoreConfig `yaml:"token_store"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Flags      FlagsConfig      `yaml:"flags"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Deployment DeploymentConfig `yaml:"deployment"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Mode        string `yaml:"mode"`         // debug, release, test
	FrontendURL string `yaml:"frontend_url"` // the one origin CORS allows
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// RedisConfig backs the flag cache and the canary task queue.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TokenStoreConfig struct {
	Driver string `yaml:"driver"` // gorm, memory
}

type CleanupConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RunOnStart      bool          `yaml:"run_on_start"`
	Interval        time.Duration `yaml:"interval"`
	Retention       time.Duration `yaml:"retention"`
	DistributedLock bool          `yaml:"distributed_lock"`
}

type FlagsConfig struct {
	Environment string        `yaml:"environment"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type AuthConfig struct {
	DisablePasswordStrength bool   `yaml:"disable_password_strength"`
	AdminEmail              string `yaml:"admin_email"`
	AdminPassword           string `yaml:"admin_password"`
}

type RateLimitConfig struct {
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
	AuthRPS   float64 `yaml:"auth_rps"`
	AuthBurst int     `yaml:"auth_burst"`
}

type DeploymentConfig struct {
	Version             string        `yaml:"version"`
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
	Window              time.Duration `yaml:"window"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "3000",
			Mode:        "debug",
			FrontendURL: "http://localhost:3000",
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "rupaya.db",
		},
		JWT: JWTConfig{
			Secret:     "rupaya-secret-key-change-in-production",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		TokenStore: TokenStoreConfig{Driver: "gorm"},
		Cleanup: CleanupConfig{
			Enabled:    true,
			RunOnStart: true,
			Interval:   24 * time.Hour,
			Retention:  24 * time.Hour,
		},
		Flags: FlagsConfig{
			Environment: EnvDevelopment,
			CacheTTL:    5 * time.Minute,
		},
		Auth: AuthConfig{
			AdminEmail: "admin@rupaya.local",
		},
		RateLimit: RateLimitConfig{
			// 100 requests / 15 minutes per IP, 5 for auth routes
			RPS:       100.0 / 900.0,
			Burst:     100,
			AuthRPS:   5.0 / 900.0,
			AuthBurst: 5,
		},
		Deployment: DeploymentConfig{
			Version:             "unknown",
			AggregationInterval: 10 * time.Second,
			Window:              time.Minute,
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	} else if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if origin := os.Getenv("FRONTEND_URL"); origin != "" {
		c.Server.FrontendURL = origin
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if driver := os.Getenv("TOKEN_STORE_DRIVER"); driver != "" {
		c.TokenStore.Driver = driver
	}
	if v, ok := envBool("DISABLE_TOKEN_CLEANUP"); ok {
		c.Cleanup.Enabled = !v
	}
	if v, ok := envBool("TOKEN_CLEANUP_RUN_ON_START"); ok {
		c.Cleanup.RunOnStart = v
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		c.Flags.Environment = strings.ToLower(env)
	}
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		c.Alerts.WebhookURL = url
	}
	if version := os.Getenv("DEPLOYMENT_VERSION"); version != "" {
		c.Deployment.Version = version
	}
	if email := os.Getenv("ADMIN_EMAIL"); email != "" {
		c.Auth.AdminEmail = email
	}
	if password := os.Getenv("ADMIN_PASSWORD"); password != "" {
		c.Auth.AdminPassword = password
	}
	if v, ok := envBool("DISABLE_PASSWORD_STRENGTH"); ok {
		c.Auth.DisablePasswordStrength = v
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

// Validate rejects configurations the token and flag subsystems cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret must be set"))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("jwt ttls must be positive"))
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	if c.Cleanup.Retention < 0 {
		errs = append(errs, errors.New("cleanup.retention must not be negative"))
	}
	switch c.Flags.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Flags.Environment))
	}
	return errors.Join(errs...)
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
