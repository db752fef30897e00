// internal/server/server.go

// Package server exposes the bot's health and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"discord-ai-bot/internal/bot"
	"discord-ai-bot/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	xRequestIDHeader = "X-Request-ID"

	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// StatsSource provides the payload of GET /metrics. *bot.Bot implements it.
type StatsSource interface {
	Snapshot(ctx context.Context) bot.Snapshot
}

type Options struct {
	Listen            string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration

	// CheckTimeout bounds each dependency check
	CheckTimeout time.Duration
}

type Server struct {
	opts      Options
	engine    *gin.Engine
	stats     StatsSource
	checks    map[string]Check
	metrics   *observability.Metrics
	logger    *slog.Logger
	startedAt time.Time
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Uptime    float64           `json:"uptime"`
	LastCheck time.Time         `json:"lastCheck"`
	Errors    []string          `json:"errors"`
	Checks    map[string]string `json:"checks"`
}

func New(
	opts Options,
	stats StatsSource,
	checks map[string]Check,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	s := &Server{
		opts:      opts,
		engine:    gin.New(),
		stats:     stats,
		checks:    checks,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.engine.Use(gin.Recovery(), requestIDMiddleware(), s.loggingMiddleware())
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", s.snapshot)
	s.engine.GET("/metrics/prometheus", gin.WrapH(metrics.Handler()))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "listen", s.opts.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	resp := s.runChecks(c.Request.Context())
	code := http.StatusOK
	if resp.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) runChecks(ctx context.Context) HealthResponse {
	var (
		mu     sync.Mutex
		g      errgroup.Group
		errs   []string
		checks = make(map[string]string, len(s.checks))
	)
	for name, check := range s.checks {
		name, check := name, check
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
			defer cancel()
			err := check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[name] = "unhealthy"
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				s.logger.WarnContext(ctx, "health check failed", "check", name, tint.Err(err))
				return nil
			}
			checks[name] = statusHealthy
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(errs)

	status := statusHealthy
	if len(errs) > 0 {
		status = statusDegraded
	}
	if errs == nil {
		errs = []string{}
	}
	return HealthResponse{
		Status:    status,
		Uptime:    time.Since(s.startedAt).Seconds(),
		LastCheck: time.Now().UTC(),
		Errors:    errs,
		Checks:    checks,
	}
}

func (s *Server) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot(c.Request.Context()))
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(
			c.Request.Context(),
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", time.Since(start),
			"request_id", c.GetString(xRequestIDHeader),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}
