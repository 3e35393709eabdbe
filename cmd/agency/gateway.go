package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/abhi1693/openclaw-agency/gateway"
	"github.com/abhi1693/openclaw-agency/internal/logging"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	coreURL := fs.String("core-url", "http://localhost:8443", "core server base URL")
	dataDir := fs.String("data-dir", defaultGatewayDataDir(), "data directory")
	name := fs.String("name", defaultGatewayName(), "gateway name")
	orgID := fs.String("org", "", "organization id to register under")
	regToken := fs.String("registration-token", "", "registration token (identity key)")
	workspaceRoot := fs.String("workspace-root", "", "root directory for agent workspaces")
	listen := fs.String("listen", "", "patch API listen address (default 127.0.0.1:8791)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if err := applyLogLevel(*logLevel); err != nil {
		return err
	}

	logging.PrintBanner("gateway", version, *coreURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gateway.Run(ctx, gateway.RunConfig{
		CoreURL:           *coreURL,
		DataDir:           *dataDir,
		Name:              *name,
		OrgID:             *orgID,
		RegistrationToken: *regToken,
		WorkspaceRoot:     *workspaceRoot,
		Listen:            *listen,
	})
}

func defaultGatewayName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "gateway"
	}
	return hostname
}

func defaultGatewayDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agency", "gateway")
	}
	return filepath.Join(home, ".config", "agency", "gateway")
}
