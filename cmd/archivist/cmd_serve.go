package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/scheduler"
	"github.com/dukerupert/archivist/internal/server"
)

var flagShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups and cleanups and serve metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		mgr, err := a.manager()
		if err != nil {
			return err
		}

		var sched *scheduler.Scheduler
		if a.cfg.Schedule.Enabled {
			sched, err = scheduler.New(a.cfg.Schedule, a.cfg.Backup.Retention, mgr, a.logger)
			if err != nil {
				return err
			}
			sched.Start()
		} else {
			a.logger.Info("scheduling disabled")
		}

		var schedule server.Schedule
		if sched != nil {
			schedule = sched
		}
		srv := server.New(mgr, schedule, a.logger)

		var httpServer *http.Server
		if a.cfg.Metrics.Addr != "" {
			httpServer = &http.Server{
				Addr:         a.cfg.Metrics.Addr,
				Handler:      srv.Router(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			go func() {
				a.logger.Info("http listening", zap.String("addr", a.cfg.Metrics.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("http server error", zap.Error(err))
				}
			}()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		a.logger.Info("shutting down", zap.Duration("timeout", flagShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flagShutdownTimeout)
		defer cancel()

		if sched != nil {
			if err := sched.Stop(shutdownCtx); err != nil {
				a.logger.Warn("scheduler did not stop in time", zap.Error(err))
			}
		}
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown error", zap.Error(err))
			}
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			return errors.New("running backups did not finish before the shutdown timeout")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&flagShutdownTimeout, "shutdown-timeout", 30*time.Minute, "How long to wait for running backups on shutdown")
}
