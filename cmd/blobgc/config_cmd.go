package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	history := make([]string, 0, len(cfg.Tablet.Groups))
	for _, g := range cfg.Tablet.Groups {
		history = append(history, fmt.Sprintf("%d@%d", g.Group, g.FromGeneration))
	}
	metadata := cfg.Metadata.Backend + " " + cfg.Metadata.Dir
	if cfg.Metadata.InMemory {
		metadata = cfg.Metadata.Backend + " (in memory)"
	}

	printPairs(cmd.OutOrStdout(), [][2]string{
		{"log level", cfg.Logging.Level},
		{"tablet", strconv.FormatUint(cfg.Tablet.ID, 10)},
		{"generation", strconv.FormatUint(uint64(cfg.Tablet.Generation), 10)},
		{"groups", strings.Join(history, ", ")},
		{"gc trigger", strconv.FormatInt(cfg.GC.BlobCountToTrigger, 10)},
		{"gc interval", cfg.GC.Interval.String()},
		{"gc check", cfg.GC.CheckInterval.String()},
		{"metadata", strings.TrimSpace(metadata)},
		{"objects", cfg.Objects.BucketURL + " " + cfg.Objects.Prefix},
		{"tier", cfg.Tier.Name + " " + cfg.Tier.BucketURL + " " + cfg.Tier.Prefix},
		{"cache", humanize.IBytes(uint64(cfg.Cache.MaxBytes))},
	})
	return nil
}
