// Package config loads node configuration from a YAML file with
// DHTCORE_* environment overrides.
package config

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/ir"
)

// EnvPrefix prefixes environment overrides. store.path is read from
// DHTCORE_STORE_PATH.
const EnvPrefix = "DHTCORE"

// Store drivers accepted in store.driver.
const (
	DriverCGo    = "sqlite3"
	DriverPureGo = "sqlite"
)

// Config models dhtcore.yaml.
type Config struct {
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Manifest   ManifestConfig   `yaml:"manifest" mapstructure:"manifest"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Arcs       []ir.Arc         `yaml:"arcs" mapstructure:"arcs"`
	AppHost    AppHostConfig    `yaml:"apphost" mapstructure:"apphost"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
}

// AgentConfig selects the node's signing key. An empty seed generates a
// fresh key on every start.
type AgentConfig struct {
	// Seed is a hex ed25519 seed.
	Seed string `yaml:"seed" mapstructure:"seed"`
}

type StoreConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Driver string `yaml:"driver" mapstructure:"driver"`
}

type CacheConfig struct {
	// Path is the bbolt fetch cache. Empty disables fetching.
	Path string `yaml:"path" mapstructure:"path"`
}

type ManifestConfig struct {
	// Path is a CUE file or a directory of CUE files. Optional.
	Path string `yaml:"path" mapstructure:"path"`
}

type ValidationConfig struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize   int           `yaml:"batch_size" mapstructure:"batch_size"`
	RetryDelay  time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

type PublishConfig struct {
	// Interval is how often the node wakes the publish workflow.
	Interval           time.Duration `yaml:"interval" mapstructure:"interval"`
	MinPublishInterval time.Duration `yaml:"min_publish_interval" mapstructure:"min_publish_interval"`
	// Rate is transport calls per second. Zero is unlimited.
	Rate             float64 `yaml:"rate" mapstructure:"rate"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	RequiredReceipts int     `yaml:"required_receipts" mapstructure:"required_receipts"`
}

type AppHostConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"`
	// File is the script (js) or module (wasm).
	File string `yaml:"file" mapstructure:"file"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// RedisConfig switches the chain lock to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "dhtcore.db", Driver: DriverCGo},
		Validation: ValidationConfig{
			Concurrency: 8,
			BatchSize:   1_000,
			RetryDelay:  10 * time.Second,
		},
		Publish: PublishConfig{
			Interval:           30 * time.Second,
			MinPublishInterval: 5 * time.Minute,
			Burst:              1,
			RequiredReceipts:   5,
		},
		Arcs:    []ir.Arc{ir.FullArc},
		AppHost: AppHostConfig{Kind: apphost.KindAccept},
		Server:  ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load reads path over the defaults, applies DHTCORE_* overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes, without
// defaults or environment overrides.
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

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("config.store.path is required")
	}
	switch c.Store.Driver {
	case "", DriverCGo, DriverPureGo:
	default:
		return fmt.Errorf("config.store.driver must be %q or %q, got %q", DriverCGo, DriverPureGo, c.Store.Driver)
	}
	if c.Validation.Concurrency < 0 {
		return fmt.Errorf("config.validation.concurrency must not be negative")
	}
	if c.Validation.BatchSize < 0 {
		return fmt.Errorf("config.validation.batch_size must not be negative")
	}
	if c.Publish.Rate < 0 {
		return fmt.Errorf("config.publish.rate must not be negative")
	}
	if c.Publish.Burst < 0 {
		return fmt.Errorf("config.publish.burst must not be negative")
	}
	if len(c.Arcs) == 0 {
		return fmt.Errorf("config.arcs must list at least one arc")
	}

	kind := c.AppHost.Kind
	if kind != "" && !slices.Contains(apphost.Kinds, kind) {
		return fmt.Errorf("config.apphost.kind %q is not one of %s", kind, strings.Join(apphost.Kinds, ", "))
	}
	switch kind {
	case apphost.KindJS, apphost.KindWASM:
		if c.AppHost.File == "" {
			return fmt.Errorf("config.apphost.file is required for kind %s", kind)
		}
	case apphost.KindCEL, apphost.KindSchema, apphost.KindManifest:
		if c.Manifest.Path == "" {
			return fmt.Errorf("config.manifest.path is required for apphost kind %s", kind)
		}
	}
	return nil
}

// Responsibility returns the configured arcs as an arc set.
func (c *Config) Responsibility() ir.ArcSet {
	return ir.ArcSet(c.Arcs)
}
