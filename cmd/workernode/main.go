package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/conn"
	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/experiment"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
	"github.com/umr-dbs/cachemesh/internal/registry"
	"github.com/umr-dbs/cachemesh/internal/snapshot"
	"github.com/umr-dbs/cachemesh/internal/wire"
	"github.com/umr-dbs/cachemesh/internal/workerctrl"
	"github.com/umr-dbs/cachemesh/internal/workerjob"
	"github.com/umr-dbs/cachemesh/internal/workerstore"
)

// syntheticRenderDelay stands in for the time a real operator graph would
// spend rendering a remainder tile, proportional to its pixel count.
const syntheticRenderDelay = 5 * time.Millisecond

var configName string

func main() {
	root := &cobra.Command{
		Use:   "workernode",
		Short: "Run a cache mesh worker node",
		RunE:  run,
	}
	root.Flags().StringVar(&configName, "config", "workernode", "config file name (searched under ./configs, /etc/cachemesh, .)")

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

	logger := observability.NewStandardLogger("workernode")
	var metrics observability.MetricsClient = observability.NewNoopMetricsClient()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewPrometheusMetricsClient(cfg.Observability.Namespace, "node")
	}

	caps := parseCapacities(cfg.Node.CapacityBytesPerType)
	deliveries := deliverymgr.New(
		deliverymgr.WithLogger(logger),
		deliverymgr.WithMetrics(metrics),
	)
	store := workerstore.New(caps, deliveries, logger, metrics)

	self := registry.SelfAddr{Host: cfg.Node.Host, Port: uint16(cfg.Node.Port)}
	fetcher := puzzle.NewDialFetcher(cfg.Resilience.Backoff, cfg.Resilience.Breaker, logger, metrics)
	retriever := puzzle.NewRetriever[payload.RasterData](cacheentry.CacheTypeRaster, store.Raster, self, fetcher, payload.DecodeRasterData)
	engine := workerjob.NewSyntheticEngine(experiment.SyntheticCompute(syntheticRenderDelay))
	executor := puzzle.NewExecutor[payload.RasterData](retriever, engine, puzzle.RasterAssembler{Logger: logger})
	rasterRef := &puzzle.RasterRef{OriginX: 0, OriginY: 0, ScaleX: 1, ScaleY: 1}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go deliveries.Run(ctx.Done(), cfg.Node.DeliverySweepInterval)

	deliveryLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Node.Port))
	if err != nil {
		return fmt.Errorf("listening on delivery port: %w", err)
	}
	defer deliveryLn.Close()
	go serveDeliveries(ctx, deliveryLn, store, logger)

	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Node.ControlPort))
	if err != nil {
		return fmt.Errorf("listening on control port: %w", err)
	}
	defer controlLn.Close()
	nodeID := cfg.Node.NodeID
	ctrl := workerctrl.New(uint16(cfg.Node.Port), store, fetcher, logger,
		func() wire.NodeStats { return store.NodeStats(nodeID) },
		func(announced uint32) { nodeID = announced },
	)
	go func() {
		if err := ctrl.Serve(ctx, controlLn); err != nil && ctx.Err() == nil {
			logger.Warn("control listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	for i := 0; i < cfg.Node.NumWorkers; i++ {
		go runWorkerSlot(ctx, cfg, nodeID, store, deliveries, executor, rasterRef, logger)
	}

	var snap *snapshot.Publisher
	if cfg.Snapshot.RedisAddr != "" {
		snap, err = snapshot.NewPublisher(cfg.Snapshot.RedisAddr, logger)
		if err != nil {
			return fmt.Errorf("connecting snapshot publisher: %w", err)
		}
		defer snap.Close()
		go snap.Run(ctx.Done(), cfg.Snapshot.Interval, func() wire.NodeStats { return store.NodeStats(nodeID) })
	}

	logger.Info("worker node started", map[string]interface{}{
		"node_id": nodeID, "delivery_port": cfg.Node.Port, "control_port": cfg.Node.ControlPort,
	})
	<-ctx.Done()
	logger.Info("worker node shutting down", nil)
	_ = metrics.Close()
	return nil
}

func parseCapacities(byName map[string]int64) workerstore.Capacities {
	caps := make(workerstore.Capacities, len(byName))
	for name, v := range byName {
		if t, ok := cacheentry.ParseCacheType(name); ok {
			caps[t] = uint64(v)
		}
	}
	return caps
}

func serveDeliveries(ctx context.Context, ln net.Listener, store *workerstore.Store, logger observability.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("delivery accept failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		go func() {
			dc, err := conn.NewDeliveryConnection(c, store, logger)
			if err != nil {
				c.Close()
				return
			}
			defer dc.Close()
			if err := dc.Serve(); err != nil {
				logger.Debug("delivery connection closed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

// runWorkerSlot dials the index as one worker slot and keeps reconnecting
// until ctx is done, the worker-side mirror of the index's idle pool.
func runWorkerSlot(ctx context.Context, cfg *config.Config, nodeID uint32, store *workerstore.Store, deliveries *deliverymgr.Manager, executor *puzzle.Executor[payload.RasterData], rasterRef *puzzle.RasterRef, logger observability.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		addr := fmt.Sprintf("%s:%d", cfg.Node.IndexHost, cfg.Node.IndexPort)
		c, err := workerjob.Dial(addr, nodeID)
		if err != nil {
			logger.Warn("dialing index as worker slot failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		loop := workerjob.NewLoop(c, nodeID, store, deliveries, executor, rasterRef, logger)
		if err := loop.Run(ctx); err != nil {
			logger.Debug("worker slot connection closed", map[string]interface{}{"error": err.Error()})
		}
		c.Close()
	}
}
