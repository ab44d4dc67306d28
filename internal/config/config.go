package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planforge.yml.
type Config struct {
	Server struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Providers map[string]Provider `yaml:"providers"`
	Retry     Retry               `yaml:"retry"`
	Model     struct {
		MaxTokens int    `yaml:"max_tokens"`
		Name      string `yaml:"name"`
	} `yaml:"model"`
	Finalize struct {
		IssueConcurrency int `yaml:"issue_concurrency"`
	} `yaml:"finalize"`
}

// Provider is one external tool endpoint.
type Provider struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// Retry bounds the backoff schedule for provider calls.
type Retry struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

// Duration accepts Go duration strings ("500ms", "8s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be in 1..65535")
	}
	for _, name := range []string{"model", "tracker", "agent"} {
		p, ok := c.Providers[name]
		if !ok {
			return fmt.Errorf("config.providers.%s is required", name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config.providers.%s.base_url is required", name)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("config.providers.%s.timeout must be positive", name)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must not be negative")
	}
	if c.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("config.retry.initial_backoff must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("config.retry.max_backoff must be >= initial_backoff")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be >= 1")
	}
	if c.Finalize.IssueConcurrency <= 0 {
		return fmt.Errorf("config.finalize.issue_concurrency must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planforge.yml")
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
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
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
  host: 127.0.0.1
  port: 8000
  base_path: /v1

providers:
  model:
    base_url: http://localhost:8002
    timeout: 60s
  tracker:
    base_url: http://localhost:8001
    timeout: 30s
  agent:
    base_url: http://localhost:8003
    timeout: 300s

retry:
  max_retries: 3
  initial_backoff: 500ms
  max_backoff: 8s
  multiplier: 2

model:
  name: claude-sonnet-4
  max_tokens: 8192

finalize:
  issue_concurrency: 4
`
