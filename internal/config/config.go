// Package config loads runtime settings from an optional .env file, an
// optional YAML/JSON config file and CHAT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Addr        string            `mapstructure:"addr"`
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	LogSQL      bool              `mapstructure:"log_sql"`
	Database    DatabaseConfig    `mapstructure:"database"`
	MasterKey   string            `mapstructure:"master_key"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RedisURL    string            `mapstructure:"redis_url"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	CORSOrigins []string          `mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	WS          WSConfig          `mapstructure:"ws"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type AuthConfig struct {
	HS256Secret string `mapstructure:"hs256_secret"`
	Issuer      string `mapstructure:"issuer"`
	Audience    string `mapstructure:"audience"`
	JWKSURL     string `mapstructure:"jwks_url"`
}

type StorageConfig struct {
	Root string `mapstructure:"root"`
}

type AttachmentsConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type WSConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

const envPrefix = "CHAT"

// dotenvFiles are loaded before the environment is read; missing files are ignored.
var dotenvFiles = []string{".env"}

func defaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_sql", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "chatcore.db")
	v.SetDefault("master_key", "")
	v.SetDefault("auth.hs256_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("storage.root", "data")
	v.SetDefault("attachments.max_bytes", 20<<20)
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("ws.ping_interval", "30s")
	v.SetDefault("ws.read_timeout", "60s")
	v.SetDefault("ws.send_buffer", 128)
}

// Load reads configuration from path (if any) and the environment.
// Environment variables override file values, e.g. CHAT_DATABASE_URL.
func Load(path string) (Config, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("config: could not load dotenv file", "file", f, "error", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens comma separated entries, as env values arrive as one string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Production() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.Auth.HS256Secret == "" && c.Auth.JWKSURL == "" {
		return errors.New("config: one of auth.hs256_secret or auth.jwks_url is required")
	}
	if c.Production() && c.MasterKey == "" {
		return errors.New("config: master_key is required in production")
	}
	if c.Attachments.MaxBytes <= 0 {
		return fmt.Errorf("config: attachments.max_bytes must be positive, got %d", c.Attachments.MaxBytes)
	}
	if c.WS.PingInterval <= 0 || c.WS.ReadTimeout <= c.WS.PingInterval {
		return fmt.Errorf("config: ws.read_timeout (%s) must exceed ws.ping_interval (%s)", c.WS.ReadTimeout, c.WS.PingInterval)
	}
	return nil
}
