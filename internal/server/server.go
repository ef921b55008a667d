// Package server exposes the engine over HTTP. The owner comes from the
// X-Owner-ID header; auth proper lives outside the core and hands the server
// an opaque owner string.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/eventstore"
)

// Rebuilder is the slice of the notification scheduler the server exposes.
type Rebuilder interface {
	RebuildAll(ctx context.Context, owner string) error
}

// Drainer is the slice of the sync coordinator the server exposes.
type Drainer interface {
	Drain(ctx context.Context)
}

type Server struct {
	Engine *gin.Engine
	Addr   string

	events  *eventstore.Store
	notify  Rebuilder
	syncer  Drainer
	clk     clock.Clock
	db      *sql.DB
	maxBody int64
}

// Options carries the collaborators behind the HTTP surface. DB is only used
// by the health check and may be nil.
type Options struct {
	Addr          string
	Mode          string // "debug" or "release"
	MaxBodySizeMB int
	Events        *eventstore.Store
	Notify        Rebuilder
	Syncer        Drainer
	Clock         clock.Clock
	DB            *sql.DB
}

func New(opts Options) *Server {
	if opts.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.MaxBodySizeMB <= 0 {
		opts.MaxBodySizeMB = 1
	}

	r := gin.Default()

	s := &Server{
		Engine:  r,
		Addr:    opts.Addr,
		events:  opts.Events,
		notify:  opts.Notify,
		syncer:  opts.Syncer,
		clk:     opts.Clock,
		db:      opts.DB,
		maxBody: int64(opts.MaxBodySizeMB) * 1024 * 1024,
	}

	r.GET("/health", s.healthHandler)

	api := r.Group("/v1", s.ownerMiddleware)
	{
		api.GET("/events", s.listEventsHandler)
		api.POST("/events", s.createEventHandler)
		api.PATCH("/events/:id", s.updateEventHandler)
		api.DELETE("/events/:id", s.deleteEventHandler)
		api.POST("/events/:id/complete", s.completeEventHandler)

		api.GET("/sync/status", s.syncStatusHandler)
		api.POST("/sync/drain", s.drainHandler)

		api.POST("/notifications/rebuild", s.rebuildHandler)
		api.POST("/cache/invalidate", s.invalidateCacheHandler)
	}

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
