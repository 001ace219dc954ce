package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/checkin-nexus/internal/api"
	"github.com/pysugar/checkin-nexus/internal/version"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(api.Deps{
			Base:          ctx,
			DB:            a.db,
			Store:         a.store,
			Trigger:       sched,
			AdminPassword: cfg.Server.AdminPassword,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Checkin Nexus starting", "addr", "http://"+srv.Addr, "version", version.Version)
		logger.Info("📅 Schedule", "cron", cfg.Schedule, "providers", a.providers.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.RunOnStart {
		go func() {
			if _, err := sched.RunCycle(ctx); err != nil {
				logger.Warn("⚠️ Startup cycle not run", "error", err)
			}
		}()
	}

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("❌ Server failed", "error", err)
			<-sched.Stop().Done()
			stop()
			drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sched.Drain(drainCtx)
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️ HTTP shutdown incomplete", "error", err)
	}

	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
	}
	// On-demand and startup cycles are not tracked by cron; the store stays
	// open until their final log entries are written.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := sched.Drain(drainCtx); err != nil {
		logger.Warn("⚠️ Check-in run still in progress at exit", "error", err)
	}
	return nil
}
