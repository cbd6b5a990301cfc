// Package config loads the hub's and the agent's configuration: YAML-first
// with JSON fallback, ${VAR}/${VAR:default} environment substitution, and
// fixed defaults for unset fields, mirroring the teacher's config package.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

// StoreBackend selects the hub's agent-directory persistence.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
)

// DatabaseConfig names the backing store's connection parameters, read
// from DATABASE_HOST/DATABASE_PORT/DATABASE_USER/DATABASE_PASSWORD/
// DATABASE_NAME/DATABASE_SSL per spec §6.
type DatabaseConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Name     string `yaml:"name" json:"name"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// HubConfig configures an m2m-hub process.
type HubConfig struct {
	Port int `yaml:"port" json:"port"`

	Store    StoreBackend   `yaml:"store" json:"store"`
	Database DatabaseConfig `yaml:"database" json:"database"`

	// TrustClientAddress enables the development-only mode that honors the
	// agent-declared address verbatim instead of the observed-IP policy.
	TrustClientAddress bool `yaml:"trust_client_address" json:"trust_client_address"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// AgentConfig configures an m2m-agent process, per spec §6's enumerated
// fields.
type AgentConfig struct {
	Port         int               `yaml:"port" json:"port"`
	Hub          string            `yaml:"hub" json:"hub"`
	Address      string            `yaml:"address,omitempty" json:"address,omitempty"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
	Metadata     map[string]string `yaml:"metadata" json:"metadata"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	AutoReconnect     *bool         `yaml:"auto_reconnect" json:"auto_reconnect"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig holds the configured log level, defaulted to "INFO" on
// load. The m2m-hub and m2m-agent commands build their logger from
// M2M_LOG_LEVEL and do not read this value.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultHeartbeatInterval is applied when AgentConfig.HeartbeatInterval
// is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// AutoReconnectEnabled reports the effective auto-reconnect setting,
// defaulting to true when unset.
func (c AgentConfig) AutoReconnectEnabled() bool {
	if c.AutoReconnect == nil {
		return true
	}
	return *c.AutoReconnect
}

// EffectiveHeartbeatInterval returns HeartbeatInterval, defaulting to
// DefaultHeartbeatInterval when unset.
func (c AgentConfig) EffectiveHeartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return c.HeartbeatInterval
}

// Validate enforces the ConfigError taxonomy's fatal-at-startup checks.
func (c HubConfig) Validate() error {
	if c.Port <= 0 {
		return m2merr.Config("hub port is required", nil)
	}
	if c.Store == StorePostgres && c.Database.Host == "" {
		return m2merr.Config("database host is required when store=postgres", nil)
	}
	return nil
}

// Validate enforces the agent's required fields.
func (c AgentConfig) Validate() error {
	if c.Port <= 0 {
		return m2merr.Config("agent port is required", nil)
	}
	if c.Hub == "" {
		return m2merr.Config("hub endpoint is required", nil)
	}
	return nil
}

func setHubDefaults(c *HubConfig) {
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

func setAgentDefaults(c *AgentConfig) {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AutoReconnect == nil {
		enabled := true
		c.AutoReconnect = &enabled
	}
	if c.Capabilities == nil {
		c.Capabilities = []string{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// LoadHubConfig parses path (YAML, falling back to JSON by extension) and
// applies ${VAR} substitution plus environment overrides
// (PORT/HUB_PORT, DATABASE_*). An empty path loads defaults purely from
// the environment.
func LoadHubConfig(path string) (*HubConfig, error) {
	cfg := &HubConfig{}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyHubEnv(cfg)
	setHubDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgentConfig parses path the same way as LoadHubConfig. Unlike
// LoadHubConfig it applies no environment-variable overrides; only the
// ${VAR} placeholders inside the file are expanded.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	setAgentDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyHubEnv(c *HubConfig) {
	if p := EnvInt("PORT", 0); p != 0 {
		c.Port = p
	}
	if p := EnvInt("HUB_PORT", 0); p != 0 {
		c.Port = p
	}
	c.Database.Host = EnvString("DATABASE_HOST", c.Database.Host)
	c.Database.Port = EnvInt("DATABASE_PORT", c.Database.Port)
	c.Database.User = EnvString("DATABASE_USER", c.Database.User)
	c.Database.Password = EnvString("DATABASE_PASSWORD", c.Database.Password)
	c.Database.Name = EnvString("DATABASE_NAME", c.Database.Name)
	c.Database.SSLMode = EnvString("DATABASE_SSL", c.Database.SSLMode)
}

// loadFile reads path, expands ${VAR} placeholders across the raw text,
// then unmarshals it with encoding/json when the extension is .json and as
// YAML otherwise.
func loadFile(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return m2merr.Config(fmt.Sprintf("failed to read config file %s", path), err)
	}
	expanded := ExpandEnv(string(raw))

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		if err := json.Unmarshal([]byte(expanded), v); err != nil {
			return m2merr.Config(fmt.Sprintf("failed to parse json config %s", path), err)
		}
		return nil
	}
	if err := yaml.Unmarshal([]byte(expanded), v); err != nil {
		return m2merr.Config(fmt.Sprintf("failed to parse yaml config %s", path), err)
	}
	return nil
}
