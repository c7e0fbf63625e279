package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml. It is built once at process start and handed to
// each component; nothing reads configuration through globals.
type Config struct {
	Identity struct {
		URL             string `yaml:"url"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
		CacheSize       int    `yaml:"cache_size"`
	} `yaml:"identity"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	EventSink struct {
		URL             string `yaml:"url"`
		Topic           string `yaml:"topic"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		Batch           int    `yaml:"batch"`
	} `yaml:"event_sink"`
	Dispatch struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"dispatch"`
	Sweep struct {
		LookaheadMinutes int `yaml:"lookahead_minutes"`
		IntervalMinutes  int `yaml:"interval_minutes"`
	} `yaml:"sweep"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Default returns a config with working local defaults. The identity and
// event-sink URLs stay empty; components treat an empty URL as "not wired".
func Default() *Config {
	c := &Config{}
	c.Identity.TimeoutSeconds = 10
	c.Identity.CacheTTLSeconds = 300
	c.Identity.CacheSize = 4096
	c.SMTP.Port = 587
	c.EventSink.Topic = "taskline"
	c.EventSink.IntervalSeconds = 2
	c.EventSink.TimeoutSeconds = 5
	c.EventSink.Batch = 100
	c.Dispatch.Workers = 4
	c.Dispatch.QueueSize = 1024
	c.Sweep.LookaheadMinutes = 60
	c.Sweep.IntervalMinutes = 10
	return c
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses a config document and fills in defaults for zero values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Identity.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config.identity.cache_ttl_seconds must be positive")
	}
	if c.Identity.CacheSize <= 0 {
		return fmt.Errorf("config.identity.cache_size must be positive")
	}
	if c.Identity.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.identity.timeout_seconds must be positive")
	}
	if c.EventSink.IntervalSeconds <= 0 || c.EventSink.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.event_sink interval and timeout must be positive")
	}
	if c.EventSink.Batch <= 0 {
		return fmt.Errorf("config.event_sink.batch must be positive")
	}
	if c.EventSink.URL != "" && c.EventSink.Topic == "" {
		return fmt.Errorf("config.event_sink.topic is required when a sink url is set")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config.dispatch.workers must be positive")
	}
	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("config.dispatch.queue_size must be positive")
	}
	if c.Sweep.LookaheadMinutes <= 0 || c.Sweep.IntervalMinutes <= 0 {
		return fmt.Errorf("config.sweep lookahead and interval must be positive")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("config.smtp.from is required when an smtp host is set")
	}
	return nil
}

func (c *Config) IdentityTimeout() time.Duration {
	return time.Duration(c.Identity.TimeoutSeconds) * time.Second
}

func (c *Config) IdentityCacheTTL() time.Duration {
	return time.Duration(c.Identity.CacheTTLSeconds) * time.Second
}

func (c *Config) SinkInterval() time.Duration {
	return time.Duration(c.EventSink.IntervalSeconds) * time.Second
}

func (c *Config) SinkTimeout() time.Duration {
	return time.Duration(c.EventSink.TimeoutSeconds) * time.Second
}

func (c *Config) SweepLookahead() time.Duration {
	return time.Duration(c.Sweep.LookaheadMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
}
