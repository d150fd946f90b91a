package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/api"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/config"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/controller"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/service"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/supervisor"
)

func runServe(args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	openAll := flagSet.Bool("open-all", false, "reopen every backed-up share on startup")
	addr := flagSet.String("addr", "", "control API listen address (overrides FILESHARER_CONTROL_ADDR)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if flagSet.Changed("open-all") {
		cfg.OpenAll = *openAll
	}
	if *addr != "" {
		cfg.ControlAddr = *addr
	}

	settings := config.LoadSettings(cfg.SettingsPath(), cfg.DataDir)
	snap := settings.Snapshot()
	if err := logging.Init(logging.Config{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		Name:          "controller",
		LogsPath:      snap.LogsPath,
		SaveSystemLog: snap.SaveSystemLog,
		SaveSharerLog: snap.SaveSharerLog,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	logging.Info("file sharer starting",
		logging.String("control", cfg.ControlAddr),
		logging.String("metrics", cfg.MetricsAddr),
		logging.String("data_dir", cfg.DataDir))

	registry := share.Load(cfg.BackupPath())

	ctrl := controller.New(controller.Options{
		Config:   cfg,
		Registry: registry,
		Settings: settings,
		Spawner: &supervisor.ExecSpawner{
			Binary: cfg.WorkerBinary,
			Args: func(p share.Protocol) []string {
				return supervisor.WorkerArgs(p, cfg.HTTPBasePort, cfg.AdvertiseHost)
			},
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		logging.Warn("some shares could not be reopened", logging.Err(err))
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", logging.Err(err))
			}
		}()
	}

	// Event streams never end on their own; cancelling the base context
	// releases them so Shutdown does not wait out its timeout.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           api.NewServer(ctrl).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("control API listening",
			logging.String("addr", cfg.ControlAddr),
			logging.String("host", localHost(cfg)))
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("control API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancelBase()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("control API shutdown", logging.Err(err))
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logging.Error("controller shutdown", logging.Err(err))
	}
	logging.Info("file sharer stopped")
	return runErr
}

func localHost(cfg *config.Config) string {
	if cfg.AdvertiseHost != "" {
		return cfg.AdvertiseHost
	}
	return service.LocalIP()
}
