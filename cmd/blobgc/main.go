// Command blobgc inspects and drives the blob manager of a single tablet
// against its metadata store and block store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ankur-anand/blobgc/config"
)

var (
	configPath string
	generation uint32
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "blobgc [command] (flags)",
	Short: "blob lifecycle and garbage collection tool",
	Long: `
Writes, deletes and evicts blobs of one tablet and runs GC rounds against
the configured block store. A command that opens the blob manager runs as
one boot of the tablet, so it must use a generation newer than any earlier
run that wrote or collected; pass --generation to choose it.
`,
	SilenceUsage: true,
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "", "path to the config file (default $XDG_CONFIG_HOME/blobgc/config.yaml)")
	rootCmd.PersistentFlags().Uint32VarP(
		&generation, "generation", "g", 0, "tablet generation to run as (0 uses tablet.generation)")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		configCmd,
		writeCmd,
		deleteCmd,
		gcCmd,
		evictCmd,
		inspectCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	if generation != 0 {
		cfg.Tablet.Generation = generation
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
