package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/relayshell"
)

const shutdownTimeout = 10 * time.Second

func runServe(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := relayshell.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	slog.SetDefault(cfg.Logger().NewSlogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shell, err := relayshell.New(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := shell.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("register metrics", "error", err)
		}
	}

	srv, err := shell.NewHTTPServer()
	if err != nil {
		_ = shell.Close(context.Background())
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	slog.Info("relayshell listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath, "data_dir", cfg.DataDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return shell.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if errors.Is(err, context.DeadlineExceeded) {
			// event streams keep their connections busy
			err = srv.Close()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Join(err, shell.Close(sctx))
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
