// Package admin exposes the compactor's operational HTTP surface: liveness
// plus per-partition watermark and state, enough for an operator to decide
// between retry and manual repair.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/compaction"
	"github.com/gin-gonic/gin"
)

// StatusSource yields the current partition roster view.
type StatusSource interface {
	Snapshot() []compaction.PartitionStatus
}

// Pinger reports backing-store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Engine *gin.Engine
	Addr   string
	db     Pinger
	status StatusSource
}

// New builds the admin server. mode selects gin's debug or release mode.
func New(addr string, db Pinger, status StatusSource, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		db:     db,
		status: status,
	}

	r.GET("/health", s.healthHandler)
	r.GET("/status", s.statusHandler)

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "connected",
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{"partitions": []compaction.PartitionStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"partitions": s.status.Snapshot()})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting admin HTTP server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping admin HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
