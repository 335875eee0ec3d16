// Package config loads the service configuration from a YAML or JSON file
// with CC_-prefixed environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/metrics"
	"github.com/crewcall/crewcall/infra/distance"
	"github.com/crewcall/crewcall/infra/push"
	"github.com/crewcall/crewcall/infra/sms"
)

type Config struct {
	Server   ServerConfig        `json:"server"`
	Database DatabaseConfig      `json:"database"`
	Dispatch dispatch.Config     `json:"dispatch"`
	SMS      sms.Config          `json:"sms"`
	WebPush  push.WebPushConfig  `json:"webpush"`
	MQTT     push.MQTTConfig     `json:"mqtt"`
	Distance distance.Config     `json:"distance"`
	Metrics  metrics.Config      `json:"metrics"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Port int `json:"port"`
}

// SetDefaults applies sane defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *DatabaseConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "crewcall.db"
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("CC_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "cc_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.Database.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.MQTT.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Metrics.InfluxEnabled && c.Metrics.InfluxURL == "" {
		return fmt.Errorf("metrics: influx enabled without url")
	}
	if c.Metrics.PrometheusEnabled && c.Metrics.PrometheusPort <= 0 {
		return fmt.Errorf("metrics: prometheus enabled without port")
	}
	if c.MQTT.UseTLS && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: tls enabled without broker")
	}
	return nil
}
