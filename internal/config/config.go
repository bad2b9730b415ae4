package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models multijob.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Pipeline struct {
		PhaseName        string `yaml:"phase_name"`
		ReportingCommand string `yaml:"reporting_command"`
	} `yaml:"pipeline"`
	SubJobs struct {
		Label          string   `yaml:"label"`
		Commands       []string `yaml:"commands"`
		ArchiveCommand string   `yaml:"archive_command"`
	} `yaml:"subjobs"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one receiver of pipeline events. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with mjob config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	if strings.TrimSpace(c.Pipeline.ReportingCommand) == "" {
		return fmt.Errorf("config.pipeline.reporting_command is required")
	}
	if len(c.SubJobs.Commands) == 0 {
		return fmt.Errorf("config.subjobs.commands needs at least one command")
	}
	for i, cmd := range c.SubJobs.Commands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("config.subjobs.commands[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "multijob.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// keep their default value.
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

pipeline:
  phase_name: Sub-jobs
  reporting_command: "report --pipeline ${PIPELINE}"

subjobs:
  label: ""
  commands:
    - "build --level ${LEVEL} --env ${ENVIRONMENT}"
    - "execute --env ${ENVIRONMENT} --report ${JOB}_rebuild.html"
  archive_command: "tar -cf ${JOB}_build.tar ${ENVIRONMENT}"

# Receivers of pipeline events, posted while 'mjob serve' runs.
# webhooks:
#   - url: https://ci.example.com/hooks/multijob
#     events: [subjob.added, subjob.deleted]
#     secret: change-me
#     timeout_seconds: 5
webhooks: []
`
