package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mheily/mosaicfs/internal/cache"
	"github.com/mheily/mosaicfs/internal/changefeed"
	"github.com/mheily/mosaicfs/internal/crawler"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/fuse"
	"github.com/mheily/mosaicfs/internal/ingest"
	"github.com/mheily/mosaicfs/internal/metrics"
	"github.com/mheily/mosaicfs/internal/replication"
	"github.com/mheily/mosaicfs/internal/vfsadapter"
	"github.com/mheily/mosaicfs/internal/watcher"
)

// minInode is the floor for generated inodes, matching the
// crawler's own allocation range.
const minInode = 1000

func newInode() uint64 {
	return minInode + rand.Uint64()%(1<<40)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: crawl, watch, replicate, and serve the FUSE mount",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath)
		},
	}
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	engine, isNew, err := a.buildEngine(func(target string, err error) {
		if err != nil {
			collector.UploadFailure.WithLabelValues(target).Inc()
		} else {
			collector.UploadSuccess.WithLabelValues(target).Inc()
		}
	})
	if err != nil {
		return err
	}
	go engine.Run(ctx)
	defer engine.Stop()
	engine.Bootstrap(ctx, isNew)

	blockCache, err := cache.Open(a.cfg.Cache.Dir, a.cfg.Cache.CapBytes, a.cfg.Cache.MinFreeBytes)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer blockCache.Close()

	startObservability(ctx, a, collector)
	go pollQueueDepth(ctx, engine, collector)

	if _, err := startAgentServer(ctx, a); err != nil {
		return fmt.Errorf("start agent server: %w", err)
	}

	startChangeFeed(ctx, a)

	c := newCrawler(a, engine)
	if err := startWatcher(ctx, a, engine, c, collector); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	startPeriodicCrawl(ctx, a, c)

	if a.cfg.FUSE.MountPoint != "" {
		if err := startMount(ctx, a, blockCache, collector); err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	}

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

func newCrawler(a *app, engine crawler.EventSink) *crawler.Crawler {
	return crawler.New(crawler.Config{
		NodeID:        a.nodeID,
		Roots:         a.cfg.Agent.WatchPaths,
		ExcludedPaths: a.cfg.Agent.ExcludedPaths,
		Store:         a.adapter,
		Sink:          engine,
		Logger:        a.logger,
	})
}

func startPeriodicCrawl(ctx context.Context, a *app, c *crawler.Crawler) {
	interval := a.cfg.Agent.CrawlInterval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	go func() {
		if _, err := c.Run(ctx); err != nil {
			a.logger.Error("initial crawl failed", "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Run(ctx); err != nil {
					a.logger.Error("periodic crawl failed", "error", err)
				}
			}
		}
	}()
}

// startChangeFeed runs the change-feed consumer, keeping the
// label/access caches and the readdir TTL cache this process holds in
// sync with documents mutated elsewhere (control plane, other agents).
func startChangeFeed(ctx context.Context, a *app) {
	consumer := changefeed.New(changefeed.Config{
		Client: a.client,
		NodeID: a.nodeID,
		Labels: a.adapter,
		Access: a.adapter,
		Dirs:   a.adapter,
		Logger: a.logger,
	})
	go consumer.Run(ctx)
}

// startWatcher bridges the watcher's event stream into ingest, and
// answers a detected storm the way the watcher contract expects: stop
// processing individual events, run a full crawl to reconcile, then
// resume.
func startWatcher(ctx context.Context, a *app, sink ingest.Sink, c *crawler.Crawler, collector *metrics.Collector) error {
	w, err := watcher.New(watcher.Config{
		Roots:         a.cfg.Agent.WatchPaths,
		ExcludedPaths: a.cfg.Agent.ExcludedPaths,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	handler := &ingest.Handler{
		NodeID:   a.nodeID,
		Store:    a.adapter,
		Sink:     sink,
		NewInode: newInode,
		Logger:   a.logger,
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				if err := handler.Handle(ctx, ev); err != nil {
					a.logger.Error("ingest failed", "path", ev.Path, "error", err)
				}
			case storm, ok := <-w.Storms():
				if !ok {
					continue
				}
				collector.WatcherStorms.Inc()
				a.logger.Warn("watcher detected an event storm, falling back to a crawl", "events_per_second", storm.EventsPerSecond)
				if _, err := c.Run(ctx); err != nil {
					a.logger.Error("storm-fallback crawl failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func startMount(ctx context.Context, a *app, blockCache *cache.Cache, collector *metrics.Collector) error {
	resolver := vfsadapter.TieredResolver{
		LocalNodeID: a.nodeID,
		WatchPaths:  a.cfg.Agent.WatchPaths,
		Client:      a.client,
		Cache:       vfsadapter.NewCacheAdapter(blockCache),
		Store:       a.adapter,
		Downloader:  vfsadapter.ReplicaDownloader{},
	}
	fetcher := &vfsadapter.AgentFetcher{Cache: blockCache}
	cacheAdapter := vfsadapter.NewCacheAdapter(blockCache)

	fsCfg := fuse.Config{
		AttrTTL:            a.cfg.FUSE.AttrTTL.Duration,
		DefaultUID:         uint32(os.Getuid()),
		DefaultGID:         uint32(os.Getgid()),
		FileMode:           0o444,
		DirMode:            0o755,
		BlockModeThreshold: a.cfg.Cache.BlockModeThresh,
		BlockSize:          a.cfg.Cache.BlockSize,
	}
	filesystem := fuse.New(a.adapter, a.adapter, a.adapter, resolver, fetcher, cacheAdapter, documents.DirectoryID("/"), fsCfg, a.logger)

	manager := fuse.NewMountManager(filesystem, &fuse.MountConfig{
		MountPoint: a.cfg.FUSE.MountPoint,
		Options: &fuse.MountOptions{
			AttrTimeout:  a.cfg.FUSE.AttrTTL.Duration,
			EntryTimeout: a.cfg.FUSE.AttrTTL.Duration,
			FSName:       "mosaicfs",
			Subtype:      "mosaicfs",
		},
	}, a.logger)

	if err := manager.Mount(ctx); err != nil {
		return err
	}
	mountWatcher := fuse.NewMountWatcher(manager, 0)
	mountWatcher.Start()
	go func() {
		<-ctx.Done()
		mountWatcher.Stop()
		if unmountErr := manager.Unmount(); unmountErr != nil {
			a.logger.Warn("unmount on shutdown failed", "error", unmountErr)
		}
	}()
	go mirrorFilesystemStats(ctx, filesystem, collector)
	return nil
}

// mirrorFilesystemStats feeds the FUSE layer's cumulative hit/miss
// counters into the Prometheus collector as deltas.
func mirrorFilesystemStats(ctx context.Context, filesystem *fuse.FileSystem, collector *metrics.Collector) {
	var lastHits, lastMisses int64
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := filesystem.Stats()
			collector.CacheHits.Add(float64(stats.CacheHits - lastHits))
			collector.CacheMisses.Add(float64(stats.CacheMisses - lastMisses))
			lastHits, lastMisses = stats.CacheHits, stats.CacheMisses
		}
	}
}

// pollQueueDepth samples the replication engine's durable backlog into
// the queue-depth gauge.
func pollQueueDepth(ctx context.Context, engine *replication.Engine, collector *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := engine.QueueDepth(); err == nil {
				collector.ReplicationQueueDepth.Set(float64(depth))
			}
		}
	}
}

func startObservability(ctx context.Context, a *app, collector *metrics.Collector) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collector.Handler())
	runServerUntilDone(ctx, a, fmt.Sprintf(":%d", a.cfg.Global.MetricsPort), metricsMux)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	runServerUntilDone(ctx, a, fmt.Sprintf(":%d", a.cfg.Global.HealthPort), healthMux)
}

func runServerUntilDone(ctx context.Context, a *app, addr string, handler http.Handler) {
	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("observability server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
