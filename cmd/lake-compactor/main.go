package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/cluster"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/compact"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/config"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/distlock"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/dump"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/index"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/kv"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/retention"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log)
	log := logging.Component("main")
	log.Info("lake compactor starting", "version", version, "git_sha", gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("lake compactor failed", "error", err)
		os.Exit(1)
	}
	log.Info("lake compactor stopped cleanly")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	metrics.Init("lake_compactor")

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	defer store.Close()

	var cache *storage.DiskCache
	if cfg.Cache.Enabled {
		cache, err = storage.NewDiskCache(cfg.Cache)
		if err != nil {
			return fmt.Errorf("open disk cache: %w", err)
		}
	}

	node := cluster.NewNode(cfg.Node.Addr)
	log.Info("node identity", "node_id", node.ID, "addr", node.Addr)

	// The postgres catalog carries the file list, jobs, offsets, node
	// registry, schema registry, locks, and retention markers for the whole
	// cluster. The memory catalog serves single-node deployments, with a
	// bbolt file keeping retention markers durable across restarts.
	var (
		catalog   filelist.Store
		registry  schema.Registry
		nodes     cluster.Registry
		locker    distlock.Locker
		meta      kv.Store
		runnables []func(context.Context) error
	)
	switch cfg.Catalog.Backend {
	case "postgres":
		pg, err := filelist.NewPostgresStore(ctx, cfg.Catalog.Postgres)
		if err != nil {
			return fmt.Errorf("connect catalog: %w", err)
		}
		catalog = pg

		registry, err = schema.NewPostgresRegistry(ctx, pg.Pool())
		if err != nil {
			return fmt.Errorf("create schema registry: %w", err)
		}
		pgNodes, err := cluster.NewPostgresRegistry(ctx, pg.Pool(), node, cfg.Node.HeartbeatTTL.Std())
		if err != nil {
			return fmt.Errorf("create node registry: %w", err)
		}
		nodes = pgNodes
		locker = distlock.NewPostgresLocker(pg.Pool())
		meta, err = kv.NewPostgresStore(ctx, pg.Pool())
		if err != nil {
			return fmt.Errorf("create kv store: %w", err)
		}
	default:
		catalog = filelist.NewMemoryStore()
		registry = schema.NewMemoryRegistry()
		nodes = cluster.NewLocalRegistry(node)
		locker = distlock.NewLocalLocker()
		if err := os.MkdirAll(cfg.Catalog.LocalDir, 0755); err != nil {
			return fmt.Errorf("create catalog dir: %w", err)
		}
		bolt, err := kv.NewBoltStore(filepath.Join(cfg.Catalog.LocalDir, "compactor.db"))
		if err != nil {
			return fmt.Errorf("open local kv store: %w", err)
		}
		defer bolt.Close()
		meta = bolt
	}
	defer catalog.Close()
	runnables = append(runnables, nodes.Run)

	var archive *dump.Archive
	if cfg.Catalog.DumpEnabled {
		archive, err = dump.NewArchive(store)
		if err != nil {
			return fmt.Errorf("open file-list archive: %w", err)
		}
		defer archive.Close()
	}

	var broadcaster filelist.Broadcaster = cluster.NoopBroadcaster{}
	if cfg.Compact.Broadcast {
		broadcaster = cluster.NewHTTPBroadcaster(nodes)
	}
	writer := filelist.NewWriter(catalog, broadcaster, cfg.WriterConfig())

	if cfg.Node.Addr != "" {
		notify := cluster.NewNotifyServer(cfg.Node.Addr, func(events []filelist.FileKey) {
			if cache == nil {
				return
			}
			for _, ev := range events {
				if ev.Deleted {
					cache.RemovePrefix(ev.Key)
				}
			}
		})
		runnables = append(runnables, notify.Run)
	}

	if cfg.Compact.Enabled {
		rules, err := compact.NewRules(cfg.Downsampling)
		if err != nil {
			return fmt.Errorf("parse downsampling rules: %w", err)
		}
		deps := compact.Deps{
			Catalog: catalog,
			Store:   store,
			Cache:   cache,
			Merger:  merger.NewParquetMerger(),
			Index:   index.Noop{},
		}
		generator := compact.NewGenerator(catalog, registry, locker, nodes, cfg.GeneratorConfig())
		compactor := compact.NewCompactor(deps, registry, writer, rules, cfg.MergeConfig())
		scheduler := compact.NewScheduler(registry, catalog, generator, compactor, nodes, rules, cfg.SchedulerConfig())
		runnables = append(runnables, scheduler.Run)
	}

	if cfg.Retention.Enabled {
		engine := retention.NewEngine(retention.Deps{
			Catalog: catalog,
			Store:   store,
			Cache:   cache,
			Archive: archive,
			Writer:  writer,
			Meta:    meta,
			Locker:  locker,
		}, registry, cfg.RetentionEngineConfig())
		runnables = append(runnables, engine.Run)
	}

	if cfg.Metrics.Enabled {
		// Detached: the metrics listener has no graceful shutdown and dies
		// with the process.
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runnables {
		r := r
		g.Go(func() error { return r(ctx) })
	}
	return g.Wait()
}
