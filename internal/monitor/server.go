package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/spmctl/internal/conditioning"
	"github.com/danmuck/spmctl/internal/observability"
	"github.com/danmuck/spmctl/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRecentFrames = 50
	MaxRecentFrames     = 5000
	shutdownTimeout     = 5 * time.Second
)

// StatusSource reports controller state. *conditioning.Controller
// implements it.
type StatusSource interface {
	Snapshot() conditioning.Snapshot
}

// TelemetrySource reports buffered stream state. *telemetry.Buffer
// implements it.
type TelemetrySource interface {
	Stats() telemetry.Stats
	Channels() []int
	RecentFrames(n int) []telemetry.TimestampedFrame
}

// Server is the read-only HTTP view of a conditioning run.
type Server struct {
	ID       string
	Addr     string
	RunID    string
	Appeared time.Time

	status    StatusSource
	telemetry TelemetrySource
	router    *gin.Engine
}

// New builds the router. telemetry may be nil when streaming is disabled.
func New(addr, runID string, corsOrigins []string, status StatusSource, tel TelemetrySource) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(observability.Component("monitor")))
	r.Use(observability.RequestMetricsMiddleware("monitor"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	if err := r.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
		log.Warn().Err(err).Msg("monitor: trusted proxies not set")
	}

	s := &Server{
		ID:        "monitor",
		Addr:      addr,
		RunID:     runID,
		Appeared:  time.Now(),
		status:    status,
		telemetry: tel,
		router:    r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.Appeared).String(),
			"run_id": s.RunID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller not running"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run_id":   s.RunID,
			"snapshot": s.status.Snapshot(),
		})
	})

	s.router.GET("/telemetry", func(c *gin.Context) {
		if s.telemetry == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "telemetry disabled"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"stats":    s.telemetry.Stats(),
			"channels": s.telemetry.Channels(),
		})
	})

	s.router.GET("/telemetry/frames", func(c *gin.Context) {
		if s.telemetry == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "telemetry disabled"})
			return
		}
		n := DefaultRecentFrames
		if raw := c.Query("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
				return
			}
			n = min(v, MaxRecentFrames)
		}
		c.JSON(http.StatusOK, gin.H{"frames": s.telemetry.RecentFrames(n)})
	})
}

// Serve listens on Addr until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("monitor: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	log.Info().Msg("monitor: stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
