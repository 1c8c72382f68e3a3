package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sitetrack/internal/access"
	"sitetrack/internal/domain"
)

// Config models sitetrack.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"basePath"`
	} `yaml:"server"`
	Auth struct {
		TokenTTL        string `yaml:"tokenTTL"`
		AllowUserHeader bool   `yaml:"allowUserHeader"`
		AllowDevLogin   bool   `yaml:"allowDevLogin"`
	} `yaml:"auth"`
	Routes struct {
		Public    []string      `yaml:"public"`
		Protected []string      `yaml:"protected"`
		Rules     []access.Rule `yaml:"rules"`
	} `yaml:"routes"`
	Stats struct {
		ComputeCompletion bool `yaml:"computeCompletion"`
	} `yaml:"stats"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an outbound event subscription. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with st config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.basePath must start with /")
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	for _, r := range append(append([]string{}, c.Routes.Public...), c.Routes.Protected...) {
		if !strings.HasPrefix(r, "/") {
			return fmt.Errorf("route %q must start with /", r)
		}
	}
	for i, rule := range c.Routes.Rules {
		if !strings.HasPrefix(rule.Path, "/") {
			return fmt.Errorf("routes.rules[%d].path must start with /", i)
		}
		if rule.IsZero() {
			return fmt.Errorf("routes.rules[%d] needs requiredRole or minimumRole", i)
		}
		for _, role := range []domain.Role{rule.Required, rule.Minimum} {
			if role != "" && !role.Valid() {
				return fmt.Errorf("routes.rules[%d] has unknown role %s", i, role)
			}
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks[%d].url must be an http(s) URL", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeoutSeconds must not be negative", i)
		}
	}
	return nil
}

// TokenTTL parses auth.tokenTTL, defaulting to 12h.
func (c *Config) TokenTTL() (time.Duration, error) {
	if c.Auth.TokenTTL == "" {
		return 12 * time.Hour, nil
	}
	d, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("auth.tokenTTL: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("auth.tokenTTL must be positive")
	}
	return d, nil
}

// RouteTable returns the immutable route lists for the access gate.
func (c *Config) RouteTable() access.Routes {
	return access.NewRoutes(c.Routes.Public, c.Routes.Protected)
}

// RouteRules returns the immutable route rule table.
func (c *Config) RouteRules() access.Rules {
	return access.NewRules(c.Routes.Rules)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitetrack.yml")
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
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections missing
// from data keep their defaults.
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
  basePath: /api

auth:
  tokenTTL: 12h
  allowUserHeader: false
  allowDevLogin: false

routes:
  public:
    - /
    - /login
    - /register
    - /api/auth/
    - /api/health
  protected:
    - /dashboard
    - /projects
    - /tasks
    - /progress
    - /admin
    - /api/me
    - /api/users
    - /api/projects
    - /api/tasks
  rules:
    - path: /admin
      requiredRole: ADMIN
    - path: /progress
      minimumRole: SUPERVISOR
    - path: /api/users
      minimumRole: SUPERVISOR

stats:
  computeCompletion: false

logging:
  level: info
  format: json

# webhooks:
#   - url: https://hooks.example.com/sitetrack
#     events: [task.completed, progress.updated]
#     secret: change-me
`
