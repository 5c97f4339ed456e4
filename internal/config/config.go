// Package config provides layered configuration loading for aether-kv: a
// base YAML file overlaid with `.env`/process environment variables,
// mirroring original_source/src/conf.rs's
// `Config::builder().add_source(File).add_source(Environment::with_prefix(...))`
// layering, translated to the teacher's Go idiom (gopkg.in/yaml.v2 +
// github.com/joho/godotenv + os.ExpandEnv).
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/jassi-singh/aether-kv/internal/bitcask"
)

// Config holds every option named in spec.md §6 "Configuration", plus the
// RESP server's listen address.
type Config struct {
	DataDir string `yaml:"data_dir"`

	MaxFileSize       uint64  `yaml:"max_file_size"`
	MergeTriggerBytes uint64  `yaml:"merge_trigger_bytes"`
	MinLiveRatio      float64 `yaml:"min_live_ratio"`
	SyncPolicy        string  `yaml:"sync_policy"` // "sync_every_write" | "sync_interval_ms" | "sync_on_rotate"
	SyncIntervalMs    uint32  `yaml:"sync_interval_ms"`
	Concurrency       int     `yaml:"concurrency"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns a Config populated with this package's defaults.
func Default() *Config {
	return &Config{
		DataDir:           "./data",
		MaxFileSize:       bitcask.DefaultMaxFileSize,
		MergeTriggerBytes: bitcask.DefaultMergeTriggerBytes,
		MinLiveRatio:      bitcask.DefaultMinLiveRatio,
		SyncPolicy:        bitcask.SyncOnRotate.String(),
		SyncIntervalMs:    bitcask.DefaultSyncIntervalMs,
		Concurrency:       bitcask.DefaultConcurrency,
		Host:              "127.0.0.1",
		Port:              6379,
	}
}

// Load reads path (a YAML file) if present, then overlays a `.env` file (if
// present, loaded with godotenv) and process environment variables,
// expanded into the YAML via os.ExpandEnv before unmarshaling (the
// convention is an `AETHER_` prefix, but any ${VAR} reference is expanded) —
// the same "file, then env-prefix overlay" precedence as
// original_source/src/conf.rs. A missing path is not an error: Default() is
// returned instead, since the engine is equally usable as an embedded
// library with no config file at all.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found", "error", err)
	} else {
		slog.Debug("config: .env file loaded")
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("config: no config file found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// syncPolicy translates the configured string into a bitcask.SyncPolicy,
// falling back to SyncOnRotate for an unrecognized value.
func (c *Config) syncPolicy() bitcask.SyncPolicy {
	switch c.SyncPolicy {
	case bitcask.SyncEveryWrite.String():
		return bitcask.SyncEveryWrite
	case bitcask.SyncInterval.String():
		return bitcask.SyncInterval
	default:
		return bitcask.SyncOnRotate
	}
}

// EngineOptions translates this Config into *bitcask.Options, ready to pass
// to bitcask.Open.
func (c *Config) EngineOptions() *bitcask.Options {
	opts := bitcask.NewOptions(c.DataDir)
	opts.Apply(
		bitcask.WithMaxFileSize(c.MaxFileSize),
		bitcask.WithMergeTriggerBytes(c.MergeTriggerBytes),
		bitcask.WithMinLiveRatio(c.MinLiveRatio),
		bitcask.WithSyncPolicy(c.syncPolicy()),
		bitcask.WithSyncIntervalMs(c.SyncIntervalMs),
		bitcask.WithConcurrency(c.Concurrency),
	)
	return opts
}

// SyncIntervalDuration is a convenience accessor for callers (e.g. the CLI)
// that report the configured cadence back to the user.
func (c *Config) SyncIntervalDuration() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}
