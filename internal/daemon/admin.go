package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/poolrep/internal/observability"
	"github.com/danmuck/poolrep/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// PoolView is the admin listing shape for one pool.
type PoolView struct {
	Name       string `json:"name"`
	Capacity   uint64 `json:"capacity"`
	Sessions   int    `json:"sessions"`
	Loaded     bool   `json:"loaded"`
	Signature  string `json:"signature"`
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Attributes string `json:"attributes"`
}

func poolView(info registry.EntryInfo) PoolView {
	return PoolView{
		Name:       info.Name,
		Capacity:   info.Capacity,
		Sessions:   info.Sessions,
		Loaded:     info.Loaded,
		Signature:  info.Attributes.SignatureString(),
		Major:      info.Attributes.Major,
		Minor:      info.Attributes.Minor,
		Attributes: info.Attributes.EncodeHex(),
	}
}

// Router builds the admin HTTP surface.
func (s *Service) Router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(s.cfg.NodeID, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		if _, err := s.target.Registry().List(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"node":     s.cfg.NodeID,
			"sessions": len(s.target.Sessions()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/pools", func(c *gin.Context) {
		infos, err := s.target.Registry().List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		pools := make([]PoolView, 0, len(infos))
		for _, info := range infos {
			pools = append(pools, poolView(info))
		}
		c.JSON(http.StatusOK, gin.H{"pools": pools})
	})
	r.GET("/pools/:name", func(c *gin.Context) {
		name := c.Param("name")
		infos, err := s.target.Registry().List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, info := range infos {
			if info.Name == name {
				c.JSON(http.StatusOK, poolView(info))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrNotFound.Error()})
	})
	return r
}

// ServeAdmin serves the admin router on addr until ctx ends.
func (s *Service) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("node", s.cfg.NodeID).Str("addr", addr).Msg("daemon admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
