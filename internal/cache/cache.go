// Package cache assembles the resource cache: record store, content store,
// fetch orchestration, sync loop, migration and change notifications.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmcdole/rescache/internal/config"
	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/fetch"
	"github.com/mmcdole/rescache/internal/httpfetch"
	"github.com/mmcdole/rescache/internal/metrics"
	"github.com/mmcdole/rescache/internal/migration"
	"github.com/mmcdole/rescache/internal/notify"
	"github.com/mmcdole/rescache/internal/search"
	"github.com/mmcdole/rescache/internal/store"
	"github.com/mmcdole/rescache/internal/syncer"
	"github.com/mmcdole/rescache/internal/tasks"
)

const blobDirName = "blobs"

// ErrLegacyDisabled is returned by migration commands when no legacy store is configured.
var ErrLegacyDisabled = errors.New("legacy store is not configured")

// Options configures a Cache.
type Options struct {
	// Dir holds the record database and the blob directory.
	// Empty keeps records in memory and requires BlobDir.
	Dir     string
	BlobDir string

	// LegacyDir is the pre-migration store; empty disables migration.
	LegacyDir string
	// Legacy overrides LegacyDir with an explicit store.
	Legacy    migration.LegacyStore
	Converter migration.Converter

	// Fetcher defaults to an HTTP client writing into the blob staging dir.
	Fetcher       domain.Fetcher
	BaseURL       string
	FetchTimeout  time.Duration
	UserAgent     string
	MaxConcurrent int

	StagingMaxAge   time.Duration
	ResyncOnStartup bool

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) Options {
	return Options{
		Dir:             cfg.Cache.Dir,
		LegacyDir:       cfg.Cache.LegacyDir,
		BaseURL:         cfg.Fetch.BaseURL,
		FetchTimeout:    cfg.Fetch.Timeout,
		UserAgent:       cfg.Fetch.UserAgent,
		MaxConcurrent:   cfg.Fetch.MaxConcurrent,
		StagingMaxAge:   cfg.Cache.StagingMaxAge,
		ResyncOnStartup: cfg.Cache.ResyncOnStartup,
		Logger:          logger,
		Registerer:      reg,
	}
}

// Cache is the entry point for callers.
type Cache struct {
	records  *store.Store
	blobs    *content.Store
	tracker  *tasks.Tracker
	fetcher  *fetch.Orchestrator
	syncer   *syncer.Syncer
	migrator *migration.Adapter // nil when legacy migration is disabled
	hub      *notify.Hub
	filter   *search.Filter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stagingMaxAge   time.Duration
	resyncOnStartup bool

	closeOnce sync.Once
}

// New wires the cache. Call Start before issuing commands that fetch.
func New(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blobDir := opts.BlobDir
	if blobDir == "" {
		if opts.Dir == "" {
			return nil, errors.New("cache dir or blob dir is required")
		}
		blobDir = filepath.Join(opts.Dir, blobDirName)
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	blobs, err := content.New(blobDir, content.WithLogger(logger), content.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	records, err := store.Open(opts.Dir, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = httpfetch.New(blobs.StagingDir(),
			httpfetch.WithTimeout(opts.FetchTimeout),
			httpfetch.WithUserAgent(opts.UserAgent),
			httpfetch.WithLogger(logger),
		)
	}

	fetchOpts := []fetch.Option{
		fetch.WithLogger(logger),
		fetch.WithMetrics(m),
		fetch.WithMaxConcurrent(opts.MaxConcurrent),
	}
	if opts.BaseURL != "" {
		resolve, err := fetch.BaseURLResolver(opts.BaseURL)
		if err != nil {
			records.Close()
			return nil, err
		}
		fetchOpts = append(fetchOpts, fetch.WithResolver(resolve))
	}

	tracker := tasks.NewTracker(m)
	hub := notify.NewHub(m)
	orchestrator := fetch.New(fetcher, blobs, tracker, fetchOpts...)

	c := &Cache{
		records:         records,
		blobs:           blobs,
		tracker:         tracker,
		fetcher:         orchestrator,
		syncer:          syncer.New(records, orchestrator, hub, syncer.WithLogger(logger), syncer.WithMetrics(m)),
		hub:             hub,
		filter:          search.NewFilter(records, logger),
		metrics:         m,
		logger:          logger,
		stagingMaxAge:   opts.StagingMaxAge,
		resyncOnStartup: opts.ResyncOnStartup,
	}

	legacy := opts.Legacy
	if legacy == nil && opts.LegacyDir != "" {
		legacy = migration.OpenDir(opts.LegacyDir)
	}
	if legacy != nil {
		migOpts := []migration.Option{migration.WithLogger(logger), migration.WithMetrics(m)}
		if opts.Converter != nil {
			migOpts = append(migOpts, migration.WithConverter(opts.Converter))
		}
		c.migrator = migration.New(records, legacy, blobs, hub, migOpts...)
	}

	return c, nil
}

// Start sweeps stale staging files, begins syncing and, if configured,
// re-issues work left over from a previous run.
func (c *Cache) Start() {
	if c.stagingMaxAge > 0 {
		if _, err := c.blobs.SweepStaging(c.stagingMaxAge); err != nil {
			c.logger.Warn("failed to sweep staging dir", "error", err)
		}
	}
	c.syncer.Start()
	if c.resyncOnStartup {
		c.syncer.Resync()
	}
}

// Close stops syncing, cancels in-flight fetches and closes the record store.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.syncer.Stop()
		c.fetcher.Close()
		err = c.records.Close()
	})
	return err
}
