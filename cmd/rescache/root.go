package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mmcdole/rescache/internal/cache"
	"github.com/mmcdole/rescache/internal/config"
	"github.com/mmcdole/rescache/internal/logging"
)

// GlobalFlags apply to every command
type GlobalFlags struct {
	ConfigFile   string
	CacheDir     string
	OutputFormat string
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "rescache",
	Short:         "Content-addressed resource cache",
	Long:          "rescache fetches resources by key into a content-addressed store, tracks them by group and migrates legacy cache data.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(globalFlags.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.CacheDir != "" {
			cfg.Cache.Dir = globalFlags.CacheDir
		}

		logger, err = logging.SetupLogger(&cfg.Logging)
		if err != nil {
			// Fall back to null logger if file logging fails
			logger = logging.NullLogger()
		}
		slog.SetDefault(logger)
		logger.Debug("starting rescache", "version", Version, "command", cmd.Name())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigFile, "config", "", "config file (default: per-OS config dir, then ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.CacheDir, "cache-dir", "", "override cache.dir")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.OutputFormat, "output", "o", "auto", "output format: auto|table|json")

	rootCmd.AddCommand(addCmd, removeCmd, removeGroupCmd, lsCmd, lookupCmd, statusCmd, syncCmd, migrateCmd, configCmd)
}

// openCache builds a cache from the loaded configuration. reg may be nil.
func openCache(reg prometheus.Registerer) (*cache.Cache, error) {
	c, err := cache.New(cache.OptionsFromConfig(cfg, logger, reg))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}
