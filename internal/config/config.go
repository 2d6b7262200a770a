package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models queryline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret      string `yaml:"jwt_secret"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Resources map[string]ResourceConfig `yaml:"resources"`
}

type ResourceConfig struct {
	PageSize    int `yaml:"page_size"`
	MaxPageSize int `yaml:"max_page_size"`
}

const (
	defaultPageSize    = 50
	defaultMaxPageSize = 200
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ql config init", path)
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
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	for name, rc := range c.Resources {
		if name == "" {
			return fmt.Errorf("config.resources contains an empty resource name")
		}
		if rc.PageSize < 0 || rc.MaxPageSize < 0 {
			return fmt.Errorf("resource %s has a negative page size", name)
		}
		if rc.PageSize > 0 && rc.MaxPageSize > 0 && rc.PageSize > rc.MaxPageSize {
			return fmt.Errorf("resource %s page_size exceeds max_page_size", name)
		}
	}
	return nil
}

// Resource returns the page-size settings for a resource with defaults
// filled in for anything the file leaves unset.
func (c *Config) Resource(name string) ResourceConfig {
	rc := c.Resources[name]
	if rc.PageSize <= 0 {
		rc.PageSize = defaultPageSize
	}
	if rc.MaxPageSize <= 0 {
		rc.MaxPageSize = defaultMaxPageSize
	}
	return rc
}

// AddrOrDefault returns the listen address, defaulting to :8080.
func (c *Config) AddrOrDefault() string {
	if c.Server.Addr == "" {
		return ":8080"
	}
	return c.Server.Addr
}

// BasePathOrDefault returns the API base path, defaulting to /v0.
func (c *Config) BasePathOrDefault() string {
	if c.Server.BasePath == "" {
		return "/v0"
	}
	return c.Server.BasePath
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "queryline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
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
  addr: ":8080"
  base_path: /v0

auth:
  jwt_secret: ""
  allow_anonymous: true

log:
  level: info
  format: json

resources:
  posts:
    page_size: 50
    max_page_size: 200
  authors:
    page_size: 50
    max_page_size: 200
`
