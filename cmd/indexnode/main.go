package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/umr-dbs/cachemesh/internal/adminapi"
	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/registry"
	"github.com/umr-dbs/cachemesh/internal/resilience"
	"github.com/umr-dbs/cachemesh/internal/scheduler"
	"github.com/umr-dbs/cachemesh/internal/statsrepo"
)

var configName string

func main() {
	root := &cobra.Command{
		Use:   "indexnode",
		Short: "Run the cache mesh index node",
		RunE:  run,
	}
	root.Flags().StringVar(&configName, "config", "indexnode", "config file name (searched under ./configs, /etc/cachemesh, .)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configName)
	if err != nil {
		return err
	}

	logger := observability.NewStandardLogger("indexnode")
	var metrics observability.MetricsClient = observability.NewNoopMetricsClient()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewPrometheusMetricsClient(cfg.Observability.Namespace, "index")
	}

	cache := indexcache.NewManager(buildCacheConfigs(cfg))
	reg := registry.New()
	pool := scheduler.NewWorkerSlotPool()
	sched := scheduler.New(cache, pool, reg, buildPlacement(cfg), logger)

	var statsRepo *statsrepo.Repository
	if cfg.StatsRepo.DSN != "" {
		statsRepo, err = statsrepo.Open(cfg.StatsRepo.DSN, cfg.StatsRepo.MigrationsPath, logger)
		if err != nil {
			return fmt.Errorf("opening statsrepo: %w", err)
		}
		defer statsRepo.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Index.Port))
	if err != nil {
		return fmt.Errorf("listening on index port: %w", err)
	}
	defer ln.Close()

	limiter := resilience.NewRemoteLimiter(resilience.RemoteLimiterConfig{
		RPS:   cfg.Index.ClientRateLimit.RPS,
		Burst: cfg.Index.ClientRateLimit.Burst,
	})
	go limiter.Run(ctx.Done(), cfg.Index.ClientRateLimit.IdleTimeout, cfg.Index.ClientRateLimit.IdleTimeout)

	go serveClientsAndWorkers(ctx, ln, sched, cache, pool, limiter, logger)

	hostname, _ := os.Hostname()
	conns := newControlConnSet(reg)
	for _, na := range cfg.Index.Nodes {
		go runControlDialLoop(ctx, na, reg, conns, cache, sched, statsRepo, hostname, logger)
	}

	go runReorgLoop(ctx, cache, conns, cfg.Index.UpdateInterval, logger)

	if cfg.AdminAPI.Port != 0 {
		admin := adminapi.NewServer(cache, logger, cfg.Observability.MetricsEnabled)
		go func() {
			if err := admin.ListenAndServe(ctx, cfg.AdminAPI.Port); err != nil {
				logger.Warn("admin api stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	logger.Info("index node started", map[string]interface{}{"port": cfg.Index.Port, "nodes": len(cfg.Index.Nodes)})
	<-ctx.Done()
	logger.Info("index node shutting down", nil)
	_ = metrics.Close()
	return nil
}

// buildCacheConfigs applies the index's single configured relevance/reorg
// strategy to every cache type; there are no per-type overrides of these
// two settings (placement below likewise shares one strategy instance
// across all types).
func buildCacheConfigs(cfg *config.Config) []indexcache.CacheConfig {
	relevance := indexcache.CostLRU
	if cfg.Index.Relevance == "lru" {
		relevance = indexcache.LRU
	}

	var strategy indexcache.ReorgStrategy
	switch cfg.Index.ReorgStrategy {
	case "never":
		strategy = indexcache.NeverStrategy{}
	case "geo":
		strategy = indexcache.GeographicStrategy{}
	case "graph":
		strategy = indexcache.GraphStrategy{}
	default:
		strategy = indexcache.CapacityStrategy{}
	}

	configs := make([]indexcache.CacheConfig, 0, len(cacheentry.AllCacheTypes))
	for _, t := range cacheentry.AllCacheTypes {
		configs = append(configs, indexcache.CacheConfig{Type: t, Relevance: relevance, Strategy: strategy})
	}
	return configs
}

// buildPlacement maps the configured scheduler name to a PlacementStrategy
// for every cache type; "default" leaves every type unmapped, falling back
// to WorkerPool.ClaimAny, which takes whichever idle worker it finds first.
func buildPlacement(cfg *config.Config) map[cacheentry.CacheType]indexcache.PlacementStrategy {
	placement := make(map[cacheentry.CacheType]indexcache.PlacementStrategy, len(cacheentry.AllCacheTypes))
	var strategy indexcache.PlacementStrategy
	switch cfg.Index.Scheduler {
	case "dema":
		strategy = indexcache.NewDEMAStrategy()
	case "bema":
		strategy = indexcache.NewBEMAStrategy()
	case "emkde":
		strategy = indexcache.NewEMKDEHilbertStrategy()
	default:
		return placement
	}
	for _, t := range cacheentry.AllCacheTypes {
		placement[t] = strategy
	}
	return placement
}
