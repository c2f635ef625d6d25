package config

import (
	"strings"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobcache"
	"github.com/ankur-anand/blobgc/metadb"
)

func Default() Config {
	gc := blobgc.DefaultGCControls()
	runner := blobgc.DefaultGCRunnerOptions()
	return Config{
		Logging: LoggingConfig{Level: "INFO"},
		GC: GCConfig{
			BlobCountToTrigger: gc.BlobCountToTriggerGC,
			Interval:           gc.GCInterval,
			CheckInterval:      runner.CheckInterval,
			ResultBuffer:       runner.ResultBuffer,
		},
		Metadata: MetadataConfig{
			Backend:    metadb.BackendBadger,
			SyncWrites: true,
		},
		Objects: ObjectsConfig{BucketURL: "mem://"},
		Tier:    TierConfig{Name: "cold"},
		Cache:   CacheConfig{MaxBytes: blobcache.DefaultMaxBytes},
	}
}

// ApplyDefaults fills zero values left by the file and normalizes them.
func ApplyDefaults(cfg *Config) {
	d := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.GC.CheckInterval == 0 {
		cfg.GC.CheckInterval = d.GC.CheckInterval
	}
	if cfg.GC.ResultBuffer == 0 {
		cfg.GC.ResultBuffer = d.GC.ResultBuffer
	}
	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = d.Metadata.Backend
	}
	cfg.Metadata.Backend = strings.ToLower(cfg.Metadata.Backend)
	if cfg.Objects.BucketURL == "" {
		cfg.Objects.BucketURL = d.Objects.BucketURL
	}
	if cfg.Tier.Name == "" {
		cfg.Tier.Name = d.Tier.Name
	}
	if cfg.Tier.BucketURL == "" {
		cfg.Tier.BucketURL = cfg.Objects.BucketURL
		if cfg.Tier.Prefix == "" {
			cfg.Tier.Prefix = strings.TrimSuffix(cfg.Objects.Prefix, "/")
		}
	}
}
