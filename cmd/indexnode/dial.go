package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/conn"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/registry"
	"github.com/umr-dbs/cachemesh/internal/scheduler"
	"github.com/umr-dbs/cachemesh/internal/statsrepo"
)

// controlDialRetry bounds how long the dial loop waits before retrying a
// node whose control listener refused the connection.
const controlDialRetry = 3 * time.Second

// runControlDialLoop keeps one live control connection to every statically
// configured node, redialing on failure until ctx is done.
func runControlDialLoop(ctx context.Context, addr config.NodeAddr, reg *registry.Registry, conns *controlConnSet, cache *indexcache.Manager, s *scheduler.Scheduler, statsRepo *statsrepo.Repository, hostname string, logger observability.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := dialOnce(ctx, addr, reg, conns, cache, s, statsRepo, hostname, logger); err != nil {
			logger.Warn("control connection to node failed", map[string]interface{}{"node_id": addr.ID, "error": err.Error()})
		}
		reg.Unregister(addr.ID)
		conns.Remove(addr.ID)
		s.HandleNodeFailure(addr.ID)

		select {
		case <-ctx.Done():
			return
		case <-time.After(controlDialRetry):
		}
	}
}

func dialOnce(ctx context.Context, na config.NodeAddr, reg *registry.Registry, conns *controlConnSet, cache *indexcache.Manager, s *scheduler.Scheduler, statsRepo *statsrepo.Repository, hostname string, logger observability.Logger) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", na.Host, na.ControlPort))
	if err != nil {
		return err
	}
	defer raw.Close()

	handler := &controlHandler{cache: cache, statsRepo: statsRepo}
	cc, hs, err := conn.DialControlConnection(raw, na.ID, hostname, handler, logger)
	if err != nil {
		return err
	}

	reg.Register(na.ID, na.Host, hs.Port)
	for _, entry := range hs.Entries {
		cache.Put(entry.Key.Type, entry.Key.SemanticID, na.ID, entry.Key.EntryID, entry.Entry)
	}
	conns.Add(na.ID, cc)

	return cc.Serve()
}
