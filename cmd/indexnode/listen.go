package main

import (
	"bufio"
	"context"
	"net"

	"github.com/umr-dbs/cachemesh/internal/conn"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/resilience"
	"github.com/umr-dbs/cachemesh/internal/scheduler"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// bufConn lets the accept loop peek a connection's magic bytes without
// consuming them twice: magic is read through br, everything after goes
// through the same br, so ClientConnection/WorkerConnection's own
// wire.ReadMagic call sees exactly the bytes the peek already inspected.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufConn) Read(p []byte) (int, error) { return b.br.Read(p) }

// serveClientsAndWorkers accepts connections on ln, routing each to a
// ClientConnection or WorkerConnection based on its magic, since both
// roles share the same listening port.
func serveClientsAndWorkers(ctx context.Context, ln net.Listener, s *scheduler.Scheduler, cache *indexcache.Manager, pool *scheduler.WorkerSlotPool, limiter *resilience.RemoteLimiter, logger observability.Logger) {
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
			logger.Warn("accept failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		go routeConn(c, s, cache, pool, limiter, logger)
	}
}

func routeConn(c net.Conn, s *scheduler.Scheduler, cache *indexcache.Manager, pool *scheduler.WorkerSlotPool, limiter *resilience.RemoteLimiter, logger observability.Logger) {
	br := bufio.NewReader(c)
	peek, err := br.Peek(4)
	if err != nil {
		c.Close()
		return
	}
	magic := wire.Magic(uint32(peek[0]) | uint32(peek[1])<<8 | uint32(peek[2])<<16 | uint32(peek[3])<<24)
	bc := &bufConn{Conn: c, br: br}

	switch magic {
	case wire.MagicClient:
		serveClient(bc, s, cache, limiter, logger)
	case wire.MagicWorker:
		serveWorker(bc, s, pool, logger)
	default:
		c.Close()
	}
}

func serveClient(c net.Conn, s *scheduler.Scheduler, cache *indexcache.Manager, limiter *resilience.RemoteLimiter, logger observability.Logger) {
	handler := newClientHandler(s, cache, limiter)
	cc, err := conn.NewClientConnection(c, handler, logger)
	if err != nil {
		c.Close()
		return
	}
	defer cc.Close()
	if err := cc.Serve(); err != nil {
		logger.Debug("client connection closed", map[string]interface{}{"error": err.Error()})
	}
	clientAbort(s, handler)
}

func serveWorker(c net.Conn, s *scheduler.Scheduler, pool *scheduler.WorkerSlotPool, logger observability.Logger) {
	handler := &workerIndexHandler{scheduler: s}
	wc, nodeID, err := conn.NewWorkerConnection(c, handler, logger)
	if err != nil {
		c.Close()
		return
	}
	defer wc.Close()
	pool.Add(wc)
	if err := wc.Serve(); err != nil {
		logger.Debug("worker connection closed", map[string]interface{}{"node_id": nodeID, "error": err.Error()})
	}
	pool.Remove(wc)
	s.HandleWorkerGone(wc)
}
