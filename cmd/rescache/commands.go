package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mmcdole/rescache/internal/config"
	"github.com/mmcdole/rescache/internal/domain"
)

var (
	waitTimeout time.Duration
	addVariant  string
	lsFilter    string
	syncWatch   bool
	skipImport  bool
)

var addCmd = &cobra.Command{
	Use:   "add <group> <key>...",
	Short: "Add resources and wait for them to download",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Start()

		group, keys := args[0], args[1:]
		if waitTimeout == 0 {
			for _, key := range keys {
				if err := c.AddVariant(group, key, addVariant); err != nil {
					return err
				}
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
		defer cancel()
		res, err := c.AddGroupVariant(ctx, group, addVariant, keys)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		for _, key := range keys {
			status := "downloaded"
			if err, ok := res.Failed[key]; ok {
				status = "failed: " + err.Error()
			} else if slices.Contains(res.Pending, key) {
				status = "pending"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, status)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d of %d resources failed", len(res.Failed), len(keys))
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <group> <key>...",
	Short: "Evict resources",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Start()

		group, keys := args[0], args[1:]
		for _, key := range keys {
			if err := c.Remove(group, key); err != nil {
				return err
			}
		}
		c.Wait()
		return nil
	},
}

var removeGroupCmd = &cobra.Command{
	Use:   "remove-group <group>",
	Short: "Cancel and evict every resource in a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Start()

		n, err := c.RemoveGroup(args[0])
		if err != nil {
			return err
		}
		c.Wait()
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %d resources from %s\n", n, args[0])
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [group]",
	Short: "List cached records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()

		var recs []domain.CacheRecord
		if lsFilter != "" {
			for _, r := range c.Filter(lsFilter) {
				if len(args) == 0 || r.Record.GroupKey == args[0] {
					recs = append(recs, r.Record)
				}
			}
		} else {
			group := ""
			if len(args) == 1 {
				group = args[0]
			}
			recs = c.List(group)
		}
		return newPrinter(cmd.OutOrStdout()).records(recs)
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <key>",
	Short: "Show a record and its stored content, migrating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()

		entry, err := c.Lookup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return newPrinter(cmd.OutOrStdout()).entry(entry)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize cache state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()
		return newPrinter(cmd.OutOrStdout()).stats(c.Stats())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Finish interrupted downloads and evictions",
	Long:  "sync re-issues work for records left unfinished. With --watch it keeps running and serves Prometheus metrics on metrics.addr.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reg *prometheus.Registry
		if syncWatch && cfg.Metrics.Addr != "" {
			reg = prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}

		var registerer prometheus.Registerer
		if reg != nil {
			registerer = reg
		}
		c, err := openCache(registerer)
		if err != nil {
			return err
		}
		defer c.Close()

		c.Start()
		n := c.Resync()
		fmt.Fprintf(cmd.OutOrStdout(), "resync issued %d operations\n", n)

		if !syncWatch {
			c.Wait()
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if reg != nil {
			srv := &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
		}

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import and migrate the legacy cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(nil)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Start()

		if !skipImport {
			n, err := c.ImportLegacy(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d legacy records\n", n)
		}

		n, err := c.MigrateAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %d records\n", n)
		c.Wait()
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newPrinter(cmd.OutOrStdout()).config(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.SaveConfig(cfg, globalFlags.ConfigFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	addCmd.Flags().DurationVar(&waitTimeout, "wait", 30*time.Second, "how long to wait for downloads (0 returns immediately)")
	addCmd.Flags().StringVar(&addVariant, "variant", "", "store a named rendition of each resource")
	lsCmd.Flags().StringVarP(&lsFilter, "filter", "f", "", "fuzzy filter on keys")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "keep running until interrupted")
	migrateCmd.Flags().BoolVar(&skipImport, "skip-import", false, "only migrate records already imported")
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
