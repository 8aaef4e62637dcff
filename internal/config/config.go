package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models buscart.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		DevLogin               bool   `yaml:"dev_login"`
		RateLimit              struct {
			Requests int           `yaml:"requests"`
			Window   time.Duration `yaml:"window"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Requests struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"requests"`
	Matching struct {
		EnforceEligibility *bool `yaml:"enforce_eligibility"`
	} `yaml:"matching"`
	Supervisor struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"supervisor"`
	Live struct {
		Broker         string        `yaml:"broker"`
		RelayInterval  time.Duration `yaml:"relay_interval"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		LeaderTTL      time.Duration `yaml:"leader_ttl"`
		Redis          RedisConfig   `yaml:"redis"`
	} `yaml:"live"`
	Channel struct {
		MaxRetries     int           `yaml:"max_retries"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	} `yaml:"channel"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebhookConfig describes one notification endpoint fed from the event log.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Enabled        *bool    `yaml:"enabled"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// EligibilityEnforced reports whether only matched artists may submit proposals.
func (c *Config) EligibilityEnforced() bool {
	if c == nil || c.Matching.EnforceEligibility == nil {
		return true
	}
	return *c.Matching.EnforceEligibility
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with buscart config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("config.storage.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}
	if c.Requests.TTL <= 0 {
		return fmt.Errorf("config.requests.ttl must be positive")
	}
	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("config.supervisor.interval must be positive")
	}
	switch c.Live.Broker {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Live.Redis.Addr) == "" {
			return fmt.Errorf("config.live.redis.addr is required for broker redis")
		}
	default:
		return fmt.Errorf("config.live.broker must be 'memory' or 'redis', got %q", c.Live.Broker)
	}
	if c.Live.RelayInterval <= 0 {
		return fmt.Errorf("config.live.relay_interval must be positive")
	}
	if c.Live.LeaderTTL <= c.Live.RelayInterval {
		return fmt.Errorf("config.live.leader_ttl must exceed relay_interval")
	}
	if c.Channel.MaxRetries <= 0 {
		return fmt.Errorf("config.channel.max_retries must be positive")
	}
	if c.Channel.InitialBackoff <= 0 || c.Channel.MaxBackoff < c.Channel.InitialBackoff {
		return fmt.Errorf("config.channel backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Server.RateLimit.Requests < 0 {
		return fmt.Errorf("config.server.rate_limit.requests must not be negative")
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		return fmt.Errorf("config.server.rate_limit.window is required when requests is set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %s has empty event filter", hook.URL)
			}
		}
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Exporter != "grpc" && c.Telemetry.Exporter != "http" {
			return fmt.Errorf("config.telemetry.exporter must be 'grpc' or 'http'")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("config.telemetry.endpoint is required when telemetry is enabled")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buscart.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_actor_header: false
  # dev_login exposes POST /auth/dev/login, which mints a token for any actor.
  dev_login: false
  rate_limit:
    requests: 600
    window: 1m

storage:
  driver: sqlite
  dsn: ""

requests:
  ttl: 24h

matching:
  enforce_eligibility: true

supervisor:
  interval: 1m

live:
  broker: memory
  relay_interval: 500ms
  publish_timeout: 2s
  leader_ttl: 10s
  redis:
    addr: ""
    db: 0

channel:
  max_retries: 5
  initial_backoff: 500ms
  max_backoff: 15s

webhooks: []

telemetry:
  enabled: false
  exporter: http
  endpoint: ""
  sampling_rate: 1.0
  environment: development

log:
  level: info
`
