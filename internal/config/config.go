package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models docketline.yml.
type Config struct {
	Service struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"service"`
	Targets  map[string]TargetConfig `yaml:"targets"`
	Dispatch DispatchConfig          `yaml:"dispatch"`
	Routing  struct {
		Policies []RoutingRule `yaml:"policies"`
	} `yaml:"routing"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type TargetConfig struct {
	Endpoint string `yaml:"endpoint"`
	Path     string `yaml:"path"`
	Enabled  *bool  `yaml:"enabled"`
}

type DispatchConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Workers        int `yaml:"workers"`
	Batch          int `yaml:"batch"`
}

// RoutingRule seeds one routing policy row: which downstream targets receive an
// envelope in the given visibility scope and lifecycle status.
type RoutingRule struct {
	Scope   string   `yaml:"scope"`
	Status  string   `yaml:"status"`
	Targets []string `yaml:"targets"`
	Active  *bool    `yaml:"active"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Service.Version == "" {
		return fmt.Errorf("config.service.version is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("config.targets is required")
	}
	for id, t := range c.Targets {
		if id == "" {
			return fmt.Errorf("config.targets contains empty target id")
		}
		if t.Endpoint == "" {
			return fmt.Errorf("target %s has no endpoint", id)
		}
		if t.Path == "" {
			return fmt.Errorf("target %s has no path", id)
		}
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("config.dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.TimeoutSeconds < 1 {
		return fmt.Errorf("config.dispatch.timeout_seconds must be at least 1")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config.dispatch.workers must be at least 1")
	}
	for i, rule := range c.Routing.Policies {
		if rule.Scope == "" || rule.Status == "" {
			return fmt.Errorf("routing policy %d needs scope and status", i)
		}
		if len(rule.Targets) == 0 {
			return fmt.Errorf("routing policy %d has no targets", i)
		}
		for _, target := range rule.Targets {
			if _, ok := c.Targets[target]; !ok {
				return fmt.Errorf("routing policy %d references unknown target %s", i, target)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "docketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `service:
  name: docketline
  version: 0.1.0

targets:
  chitty_ledger:
    endpoint: http://localhost:9301
    path: /api/v1/records
  chitty_chain:
    endpoint: http://localhost:9302
    path: /api/v1/notarize
  chitty_verify:
    endpoint: http://localhost:9303
    path: /api/v1/verifications
  chitty_trust:
    endpoint: http://localhost:9304
    path: /api/v1/scores

dispatch:
  max_attempts: 5
  timeout_seconds: 30
  workers: 1
  batch: 100

routing:
  policies:
    - scope: attorney_only
      status: approved
      targets: [chitty_ledger, chitty_chain]
    - scope: case_team
      status: approved
      targets: [chitty_ledger, chitty_chain, chitty_verify]
    - scope: case_team
      status: submitted
      targets: [chitty_verify]
    - scope: public_record
      status: approved
      targets: [chitty_ledger, chitty_chain, chitty_verify, chitty_trust]
`
