// Package config loads the switchboard YAML configuration.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets can stay out of the file. Durations use Go duration strings.
package config

import (
	"net/netip"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/switchboard/pkg/models"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Generation GenerationConfig `yaml:"generation"`
	Retry      RetryConfig      `yaml:"retry"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Redis      RedisConfig      `yaml:"redis"`
	Relay      RelayConfig      `yaml:"relay"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	InstanceID     string        `yaml:"instance_id"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
	// TrustedProxies lists peers (CIDR or address) whose X-Forwarded-For
	// header is honoured for rate-limit origins. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one provider family. A family without an API key
// is not registered.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Version string `yaml:"version"`
}

type GenerationConfig struct {
	DefaultModel    string  `yaml:"default_model"`
	TitleModel      string  `yaml:"title_model"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type RateLimitStore string

const (
	RateLimitMemory RateLimitStore = "memory"
	RateLimitRedis  RateLimitStore = "redis"
	RateLimitSQLite RateLimitStore = "sqlite"
)

type RateLimitConfig struct {
	Store         RateLimitStore `yaml:"store"`
	PerMinute     int            `yaml:"per_minute"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
	SQLitePath    string         `yaml:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend"`
	Topic    string `yaml:"topic"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DatabaseConfig points at the conversation store. An empty path keeps
// conversations in memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			StreamTimeout: 5 * time.Minute,
		},
		Generation: GenerationConfig{
			DefaultModel:    models.DefaultModel,
			Temperature:     0.7,
			MaxOutputTokens: 2000,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 4 * time.Second,
			MaxInterval:     10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Store:         RateLimitMemory,
			PerMinute:     60,
			SweepInterval: time.Minute,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "ratelimit",
		},
		Relay: RelayConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with its value. Unset variables become empty.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			return errors.Errorf("invalid server.trusted_proxies entry %q", p)
		}
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Generation.MaxOutputTokens <= 0 {
		return errors.New("generation.max_output_tokens must be positive")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return errors.Errorf("generation.temperature %.2f out of range [0, 2]", c.Generation.Temperature)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialInterval > c.Retry.MaxInterval {
		return errors.New("retry.initial_interval exceeds retry.max_interval")
	}
	switch c.RateLimit.Store {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis rate limit store")
		}
	case RateLimitSQLite:
		if c.RateLimit.SQLitePath == "" && c.Database.Path == "" {
			return errors.New("ratelimit.sqlite_path or database.path is required for the sqlite rate limit store")
		}
	default:
		return errors.Errorf("unknown ratelimit.store %q", c.RateLimit.Store)
	}
	if c.Relay.Enabled {
		switch c.Relay.Backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return errors.New("redis.addr is required for the redis relay")
			}
		default:
			return errors.Errorf("unknown relay.backend %q", c.Relay.Backend)
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return errors.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

func validProxy(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
