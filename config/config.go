// Package config loads blobgc settings from a YAML file and BLOBGC_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobcache"
	"github.com/ankur-anand/blobgc/metadb"
)

const envPrefix = "BLOBGC"

type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tablet   TabletConfig   `mapstructure:"tablet"`
	GC       GCConfig       `mapstructure:"gc"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Objects  ObjectsConfig  `mapstructure:"objects"`
	Tier     TierConfig     `mapstructure:"tier"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
}

// GroupHistoryConfig is one entry of the blob channel's group history.
type GroupHistoryConfig struct {
	FromGeneration uint32 `mapstructure:"from_generation"`
	Group          uint32 `mapstructure:"group"`
}

type TabletConfig struct {
	ID         uint64               `mapstructure:"id" validate:"required"`
	Generation uint32               `mapstructure:"generation" validate:"required"`
	Groups     []GroupHistoryConfig `mapstructure:"groups" validate:"required,min=1,dive"`
}

type GCConfig struct {
	BlobCountToTrigger int64         `mapstructure:"blob_count_to_trigger" validate:"gte=0"`
	Interval           time.Duration `mapstructure:"interval" validate:"gte=0"`
	CheckInterval      time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	ResultBuffer       int           `mapstructure:"result_buffer" validate:"gt=0"`
}

type MetadataConfig struct {
	Backend    string `mapstructure:"backend" validate:"required,oneof=badger pebble"`
	Dir        string `mapstructure:"dir"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

type ObjectsConfig struct {
	BucketURL string `mapstructure:"bucket_url" validate:"required"`
	Prefix    string `mapstructure:"prefix"`
}

type TierConfig struct {
	Name      string `mapstructure:"name" validate:"required"`
	BucketURL string `mapstructure:"bucket_url"`
	Prefix    string `mapstructure:"prefix"`
}

type CacheConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=0"`
}

// Load reads configPath, applies BLOBGC_ environment overrides and defaults,
// and validates the result. An empty configPath searches the default config
// directory; a missing file there is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setDefaults(v, Default())

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// setDefaults registers every scalar key so environment variables can
// override values absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("tablet.id", d.Tablet.ID)
	v.SetDefault("tablet.generation", d.Tablet.Generation)
	v.SetDefault("gc.blob_count_to_trigger", d.GC.BlobCountToTrigger)
	v.SetDefault("gc.interval", d.GC.Interval)
	v.SetDefault("gc.check_interval", d.GC.CheckInterval)
	v.SetDefault("gc.result_buffer", d.GC.ResultBuffer)
	v.SetDefault("metadata.backend", d.Metadata.Backend)
	v.SetDefault("metadata.dir", d.Metadata.Dir)
	v.SetDefault("metadata.in_memory", d.Metadata.InMemory)
	v.SetDefault("metadata.sync_writes", d.Metadata.SyncWrites)
	v.SetDefault("objects.bucket_url", d.Objects.BucketURL)
	v.SetDefault("objects.prefix", d.Objects.Prefix)
	v.SetDefault("tier.name", d.Tier.Name)
	v.SetDefault("tier.bucket_url", d.Tier.BucketURL)
	v.SetDefault("tier.prefix", d.Tier.Prefix)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// ConfigDir is $XDG_CONFIG_HOME/blobgc, falling back to ~/.config/blobgc.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blobgc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "blobgc")
}

// SlogLevel maps the configured level to slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) TabletInfo() *blobgc.TabletInfo {
	history := make([]blobgc.ChannelHistoryEntry, 0, len(c.Tablet.Groups))
	for _, g := range c.Tablet.Groups {
		history = append(history, blobgc.ChannelHistoryEntry{FromGeneration: g.FromGeneration, GroupID: g.Group})
	}
	return &blobgc.TabletInfo{
		TabletID: c.Tablet.ID,
		Channels: map[uint32][]blobgc.ChannelHistoryEntry{blobgc.BlobChannel: history},
	}
}

// Groups returns the distinct groups of the tablet's history.
func (c *Config) Groups() []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, g := range c.Tablet.Groups {
		if _, ok := seen[g.Group]; ok {
			continue
		}
		seen[g.Group] = struct{}{}
		out = append(out, g.Group)
	}
	return out
}

func (c *Config) GCControls() blobgc.GCControls {
	return blobgc.GCControls{
		BlobCountToTriggerGC: c.GC.BlobCountToTrigger,
		GCInterval:           c.GC.Interval,
	}
}

func (c *Config) GCRunnerOptions() blobgc.GCRunnerOptions {
	return blobgc.GCRunnerOptions{
		CheckInterval: c.GC.CheckInterval,
		ResultBuffer:  c.GC.ResultBuffer,
	}
}

func (c *Config) MetadataOptions() metadb.Options {
	return metadb.Options{
		Backend:    c.Metadata.Backend,
		Dir:        c.Metadata.Dir,
		InMemory:   c.Metadata.InMemory,
		SyncWrites: c.Metadata.SyncWrites,
	}
}

func (c *Config) CacheOptions() blobcache.Options {
	return blobcache.Options{MaxBytes: c.Cache.MaxBytes}
}
