package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/abhi1693/openclaw-agency/core"
	"github.com/abhi1693/openclaw-agency/gateway"
	"github.com/abhi1693/openclaw-agency/internal/core/config"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/logging"
)

// standaloneState persists the auto-generated gateway registration
// token so restarts map back to the same gateway row.
type standaloneState struct {
	RegistrationToken string `json:"registration_token"`
}

func runStandalone(args []string) error {
	fs := flag.NewFlagSet("agency", flag.ExitOnError)
	addr := fs.String("addr", ":8443", "TCP listen address")
	dataDir := fs.String("data-dir", defaultStandaloneDataDir(), "data directory")
	configPath := fs.String("config", "", "path to YAML config file")
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
	cfg.Addr = *addr
	cfg.DataDir = filepath.Join(*dataDir, "core")
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := applyLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	logging.PrintBanner("standalone", version, *addr)

	if err := os.MkdirAll(*dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	server, err := core.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create core server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the core in the background.
	var wg sync.WaitGroup
	coreErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		coreErrCh <- server.Serve(ctx)
	}()

	coreURL := localCoreURL(*addr)
	if err := waitForHealthy(ctx, coreURL); err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("wait for core: %w", err)
	}

	orgID, err := server.DefaultOrgID(ctx)
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("resolve default org: %w", err)
	}

	regToken, err := loadOrCreateRegistrationToken(filepath.Join(*dataDir, "standalone.json"))
	if err != nil {
		stop()
		wg.Wait()
		return err
	}

	// Run the gateway client in the background, registering against the
	// local core over loopback.
	gatewayDataDir := filepath.Join(*dataDir, "gateway")
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.Run(ctx, gateway.RunConfig{
			CoreURL:           coreURL,
			DataDir:           gatewayDataDir,
			Name:              "local",
			OrgID:             orgID,
			RegistrationToken: regToken,
		}); err != nil {
			slog.Error("gateway error", "error", err)
		}
	}()

	slog.Info("agency standalone listening", "addr", *addr)

	select {
	case err := <-coreErrCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

// localCoreURL converts a listen address into a loopback base URL.
func localCoreURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	if err != nil {
		port = "8443"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// waitForHealthy polls the core's health endpoint (max ~10 seconds).
func waitForHealthy(ctx context.Context, coreURL string) error {
	for i := 0; i < 100; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, coreURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("core at %s not healthy in time", coreURL)
}

// loadOrCreateRegistrationToken loads the persisted token or generates
// a fresh one. The token is the gateway's identity key, so it must
// survive restarts.
func loadOrCreateRegistrationToken(statePath string) (string, error) {
	data, err := os.ReadFile(statePath)
	if err == nil {
		var s standaloneState
		if json.Unmarshal(data, &s) == nil && s.RegistrationToken != "" {
			return s.RegistrationToken, nil
		}
		slog.Warn("standalone state unreadable, generating new registration token")
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read standalone state: %w", err)
	}

	s := standaloneState{RegistrationToken: id.Generate()}
	out, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal standalone state: %w", err)
	}
	if err := os.WriteFile(statePath, out, 0o600); err != nil {
		return "", fmt.Errorf("write standalone state: %w", err)
	}
	return s.RegistrationToken, nil
}

func defaultStandaloneDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agency")
	}
	return filepath.Join(home, ".config", "agency")
}
