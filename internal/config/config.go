package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models tabletop.yml.
type Config struct {
	Retention struct {
		RetentionDays        int  `yaml:"retention_days"`
		AutoDeleteEnabled    bool `yaml:"auto_delete_enabled"`
		SweepIntervalMinutes int  `yaml:"sweep_interval_minutes"`
	} `yaml:"retention"`
	Signing struct {
		ActiveKeyID string            `yaml:"active_key_id"`
		Keys        map[string]string `yaml:"keys"`
	} `yaml:"signing"`
	Scheduler struct {
		// MinuteSeconds is the wall-clock length of one scenario minute.
		// Lower it to run compressed rehearsals.
		MinuteSeconds int `yaml:"minute_seconds"`
	} `yaml:"scheduler"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one broadcast subscriber endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Retention.RetentionDays <= 0 {
		return fmt.Errorf("config.retention.retention_days must be positive")
	}
	if c.Retention.SweepIntervalMinutes < 0 {
		return fmt.Errorf("config.retention.sweep_interval_minutes must not be negative")
	}
	if len(c.Signing.Keys) == 0 {
		return fmt.Errorf("config.signing.keys is required")
	}
	if c.Signing.ActiveKeyID == "" {
		return fmt.Errorf("config.signing.active_key_id is required")
	}
	if _, ok := c.Signing.Keys[c.Signing.ActiveKeyID]; !ok {
		return fmt.Errorf("config.signing.active_key_id %s is not in config.signing.keys", c.Signing.ActiveKeyID)
	}
	for id, key := range c.Signing.Keys {
		if id == "" {
			return fmt.Errorf("config.signing.keys contains an empty key id")
		}
		raw, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("signing key %s is not valid hex: %w", id, err)
		}
		if len(raw) < 16 {
			return fmt.Errorf("signing key %s is shorter than 16 bytes", id)
		}
	}
	if c.Scheduler.MinuteSeconds < 0 {
		return fmt.Errorf("config.scheduler.minute_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// SigningKeys returns the decoded key material.
func (c *Config) SigningKeys() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(c.Signing.Keys))
	for id, key := range c.Signing.Keys {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", id, err)
		}
		keys[id] = raw
	}
	return keys, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tabletop.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with tt config init", path)
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

// Default returns a working config seeded with the given signing key.
func Default(keyID, keyHex string) *Config {
	var cfg Config
	cfg.Retention.RetentionDays = 90
	cfg.Retention.AutoDeleteEnabled = true
	cfg.Retention.SweepIntervalMinutes = 60
	cfg.Signing.ActiveKeyID = keyID
	cfg.Signing.Keys = map[string]string{keyID: keyHex}
	cfg.Scheduler.MinuteSeconds = 60
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// GenerateDefault returns default config YAML with the given signing key.
func GenerateDefault(keyID, keyHex string) string {
	return fmt.Sprintf(defaultTemplate, keyID, keyID, keyHex)
}

const defaultTemplate = `retention:
  retention_days: 90
  auto_delete_enabled: true
  sweep_interval_minutes: 60

signing:
  active_key_id: %s
  keys:
    %s: %s

scheduler:
  minute_seconds: 60

server:
  addr: ":8080"
  base_path: /v0
  jwt_secret: ""

webhooks: []
`
