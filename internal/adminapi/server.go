// Package adminapi serves a small read-only HTTP surface on the index
// node — cache stats, node usage, an operator-triggered reorg, and a health
// check — alongside the binary protocol listener, the way the teacher
// layers a gin HTTP API next to its core services.
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
)

// Server is the index node's admin/monitoring HTTP surface.
type Server struct {
	cache          *indexcache.Manager
	logger         observability.Logger
	metricsEnabled bool

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds a Server bound to the given index mirror. metricsEnabled
// gates whether /metrics exposes the process's Prometheus registry.
func NewServer(cache *indexcache.Manager, logger observability.Logger, metricsEnabled bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cache: cache, logger: logger, metricsEnabled: metricsEnabled}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.logMiddleware())
	s.routes()
	return s
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("adminapi request", map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"took_ms": float64(time.Since(start).Microseconds()) / 1000,
		})
	}
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/nodes", s.handleNodes)
	s.engine.POST("/reorg/trigger/:type", s.handleReorgTrigger)
	if s.metricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Engine exposes the underlying router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe runs the admin HTTP server on addr until ctx is canceled,
// then shuts down gracefully. port==0 must be checked by the caller before
// invoking this — the admin surface is opt-in.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	s.http = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type typeStatsDTO struct {
	Type       string                        `json:"type"`
	EntryCount int                           `json:"entry_count"`
	Nodes      map[string]indexcache.NodeUsage `json:"nodes"`
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.cache.Stats()
	out := make([]typeStatsDTO, 0, len(stats))
	for _, t := range cacheentry.AllCacheTypes {
		st, ok := stats[t]
		if !ok {
			continue
		}
		nodes := make(map[string]indexcache.NodeUsage, len(st.Nodes))
		for id, u := range st.Nodes {
			nodes[fmt.Sprintf("%d", id)] = u
		}
		out = append(out, typeStatsDTO{Type: t.String(), EntryCount: st.EntryCount, Nodes: nodes})
	}
	c.JSON(http.StatusOK, gin.H{"types": out})
}

func (s *Server) handleNodes(c *gin.Context) {
	totals := s.cache.NodeTotals()
	out := make([]indexcache.NodeUsage, 0, len(totals))
	for _, u := range totals {
		out = append(out, u)
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (s *Server) handleReorgTrigger(c *gin.Context) {
	typ, ok := parseCacheType(c.Param("type"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown cache type"})
		return
	}

	plan, ok := s.cache.TriggerReorg(typ)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache type not configured"})
		return
	}

	s.logger.Info("admin-triggered reorg", map[string]interface{}{
		"type":     typ.String(),
		"moves":    len(plan.Moves),
		"removals": len(plan.Removals),
	})
	c.JSON(http.StatusOK, gin.H{"moves": plan.Moves, "removals": plan.Removals})
}

func parseCacheType(s string) (cacheentry.CacheType, bool) {
	for _, t := range cacheentry.AllCacheTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}
