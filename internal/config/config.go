package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const FileName = "afternote.yml"

// Config models afternote.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		AdminRole string `yaml:"admin_role"`
	} `yaml:"auth"`
	Policy struct {
		// ReleasePermission is verify_death, release_messages or either.
		ReleasePermission      string `yaml:"release_permission"`
		DefaultAutoResolveDays int    `yaml:"default_auto_resolve_days"`
		AutoReleaseOnQuorum    bool   `yaml:"auto_release_on_quorum"`
	} `yaml:"policy"`
	Sweep struct {
		Enabled  bool   `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
	} `yaml:"sweep"`
	Lock struct {
		Backend  string        `yaml:"backend"`
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
		Wait     time.Duration `yaml:"wait"`
	} `yaml:"lock"`
	Notify struct {
		Backend   string        `yaml:"backend"`
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queue_size"`
		Timeout   time.Duration `yaml:"timeout"`
		SMTP      SMTPConfig    `yaml:"smtp"`
		Webhook   WebhookConfig `yaml:"webhook"`
	} `yaml:"notify"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with afternote init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Policy.ReleasePermission {
	case "verify_death", "release_messages", "either":
	default:
		return fmt.Errorf("config.policy.release_permission must be verify_death, release_messages or either")
	}
	if c.Policy.DefaultAutoResolveDays < 1 {
		return fmt.Errorf("config.policy.default_auto_resolve_days must be positive")
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("config.sweep.schedule: %w", err)
		}
	}
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("config.lock.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be memory or redis")
	}
	switch c.Notify.Backend {
	case "log":
	case "smtp":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			return fmt.Errorf("config.notify.smtp.host and from are required for the smtp backend")
		}
	case "webhook":
		if c.Notify.Webhook.URL == "" {
			return fmt.Errorf("config.notify.webhook.url is required for the webhook backend")
		}
	default:
		return fmt.Errorf("config.notify.backend must be log, smtp or webhook")
	}
	if c.Notify.Workers < 0 || c.Notify.QueueSize < 0 {
		return fmt.Errorf("config.notify.workers and queue_size must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
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

auth:
  # also read from AFTERNOTE_AUTH_JWT_SECRET
  jwt_secret: ""
  admin_role: admin

policy:
  release_permission: verify_death
  default_auto_resolve_days: 30
  auto_release_on_quorum: false

sweep:
  enabled: true
  # daily at 02:00 UTC
  schedule: "0 2 * * *"

lock:
  backend: memory
  redis_url: ""
  ttl: 30s
  wait: 10s

notify:
  backend: log
  workers: 2
  queue_size: 64
  timeout: 30s
  smtp:
    host: ""
    port: 587
    username: ""
    password: ""
    from: ""
  webhook:
    url: ""
    secret: ""
    timeout: 5s
`
