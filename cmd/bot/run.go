// cmd/bot/run.go
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-ai-bot/internal/logging"
	"discord-ai-bot/internal/scheduler"
	"discord-ai-bot/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and serve the health and metrics endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(cfg.ShutdownTimeout)

	session, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	b := a.newBot(session)
	b.Attach(session)

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	a.logger.InfoContext(ctx, "discord connection open")

	if cfg.Discord.RegisterCommands {
		if _, err := b.RegisterCommands(); err != nil {
			a.logger.ErrorContext(ctx, "failed to register slash commands", tint.Err(err))
		}
	}

	sched := scheduler.New(time.Minute, logging.New(a.handler, "scheduler"))
	if err := sched.AddPurge(cfg.Context.PurgeSchedule, a.contexts, cfg.Context.MaxAge); err != nil {
		_ = session.Close()
		return err
	}
	if err := sched.AddVoiceReap(cfg.VoiceService.ReapSchedule, b.Voice(), cfg.VoiceService.IdleTimeout); err != nil {
		_ = session.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		srv := server.New(
			server.Options{
				Listen:            cfg.Server.Listen,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
				WriteTimeout:      cfg.Server.WriteTimeout,
			},
			b,
			a.healthChecks(),
			a.metrics,
			logging.New(a.handler, "server"),
		)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.ErrorContext(ctx, "stopping after error", tint.Err(err))
	}
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if n := b.Voice().LeaveAll(shutdownCtx); n > 0 {
		a.logger.Info("left voice channels", "count", n)
	}
	if cerr := session.Close(); cerr != nil {
		a.logger.Warn("error closing discord session", tint.Err(cerr))
	}
	if derr := b.Drain(shutdownCtx); derr != nil {
		a.logger.Warn("handlers still running at shutdown", tint.Err(derr))
	}
	return err
}
