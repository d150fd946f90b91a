package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/config"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/service"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// runWorker is the hidden subcommand the controller starts once per
// protocol. Commands arrive on stdin and events leave on stdout, so every
// log line goes to stderr.
func runWorker(args []string) error {
	flagSet := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	proto := flagSet.String("protocol", "", "protocol to serve: http or ftp")
	port := flagSet.Int("port", service.DefaultHTTPPort, "first port to try for the HTTP surface")
	host := flagSet.String("host", "", "host put in item addresses (default: the request host)")
	listen := flagSet.String("listen", "", "bind address (default: all interfaces)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	p, err := share.ParseProtocol(*proto)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Name:   "worker." + string(p),
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	w, err := service.NewWorker(service.Options{
		Protocol:        p,
		ListenHost:      *listen,
		AdvertiseHost:   *host,
		BasePort:        *port,
		Commands:        os.Stdin,
		Events:          os.Stdout,
		ShutdownTimeout: cfg.StopTimeout,
		DataDir:         cfg.DataDir,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("worker starting", logging.String("protocol", string(p)), logging.Int("pid", os.Getpid()))
	if err := w.Run(ctx); err != nil {
		logging.Error("worker failed", logging.Err(err))
		return err
	}
	logging.Info("worker stopped", logging.String("protocol", string(p)))
	return nil
}
