package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/abhi1693/openclaw-agency/core"
	"github.com/abhi1693/openclaw-agency/internal/core/config"
	"github.com/abhi1693/openclaw-agency/internal/logging"
)

func runCore(args []string) error {
	fs := flag.NewFlagSet("core", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := applyLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	logging.PrintBanner("core", version, cfg.Addr)

	server, err := core.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
