// Package gateway provides an exported entry point for running the
// gateway edge client as a library (e.g. from the standalone binary).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/gateway/config"
	"github.com/abhi1693/openclaw-agency/internal/gateway/patchsrv"
	"github.com/abhi1693/openclaw-agency/internal/gateway/relay"
)

// RunConfig holds configuration for running the gateway as a library.
type RunConfig struct {
	CoreURL           string          // Core server base URL (e.g. "http://localhost:8780")
	DataDir           string          // Directory for persistent state
	Name              string          // Gateway name shown to operators
	OrgID             string          // Organization to register under
	RegistrationToken string          // Identity key for (re-)registration
	WorkspaceRoot     string          // Root directory for agent workspaces
	Listen            string          // Patch API listen address (default 127.0.0.1:8791)
	Responder         relay.Responder // Optional chat responder; nil gets the built-in acknowledger
}

// Run starts the gateway and blocks until ctx is cancelled or the core
// deregisters this gateway. Credentials from a previous run are reused
// when present; otherwise the gateway registers first.
func Run(ctx context.Context, rc RunConfig) error {
	cfg := &config.Config{
		CoreURL:           rc.CoreURL,
		DataDir:           rc.DataDir,
		Name:              rc.Name,
		OrgID:             rc.OrgID,
		RegistrationToken: rc.RegistrationToken,
		WorkspaceRoot:     rc.WorkspaceRoot,
		Listen:            rc.Listen,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}

	state, err := cfg.LoadState()
	if err != nil {
		return fmt.Errorf("load gateway state: %w", err)
	}
	if state == nil {
		result, err := relay.Register(ctx, cfg.CoreURL, relay.RegisterParams{
			OrganizationID:    cfg.OrgID,
			RegistrationToken: cfg.RegistrationToken,
			Name:              cfg.Name,
			URL:               cfg.AdvertiseURL,
			WorkspaceRoot:     cfg.WorkspaceRoot,
		})
		if err != nil {
			return fmt.Errorf("register gateway: %w", err)
		}
		state = &config.State{
			GatewayID:                result.GatewayID,
			RelayToken:               result.RelayToken,
			RelayWSURL:               result.RelayWSURL,
			HeartbeatIntervalSeconds: result.HeartbeatIntervalSeconds,
		}
		if err := cfg.SaveState(state); err != nil {
			return fmt.Errorf("save gateway state: %w", err)
		}
	}

	// Patch API: the core pushes agent heartbeat schedules here.
	patches := patchsrv.New(state.RelayToken)
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	patchServer := &http.Server{Handler: patches.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := patchServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("patch API server failed", "error", err)
		}
	}()
	slog.Info("gateway patch API listening", "addr", ln.Addr().String())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	client := relay.NewClient(state.RelayWSURL, state.RelayToken, rc.Responder)
	client.OnAuthRejected = func() {
		// The core no longer knows this gateway. Drop stale credentials
		// so the next start registers afresh.
		slog.Warn("gateway deregistered by core, clearing saved state")
		if err := cfg.ClearState(); err != nil {
			slog.Error("clear gateway state failed", "error", err)
		}
		stop()
	}

	// HTTP registry heartbeat, independent of the WS heartbeat: this is
	// the liveness signal the core's stale sweeper watches.
	interval := time.Duration(state.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go registryHeartbeatLoop(runCtx, cfg.CoreURL, state, interval)

	client.Run(runCtx)

	// Best-effort deregistration; the stale sweeper converges if this
	// fails. Skipped when the core already deregistered us.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if s, _ := cfg.LoadState(); s != nil {
		if err := relay.Deregister(shutdownCtx, cfg.CoreURL, s.GatewayID, s.RelayToken); err != nil {
			slog.Warn("gateway deregister failed", "error", err)
		}
	}

	_ = patchServer.Shutdown(shutdownCtx)
	return nil
}

func registryHeartbeatLoop(ctx context.Context, coreURL string, state *config.State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := relay.SendHeartbeat(ctx, coreURL, state.GatewayID, state.RelayToken, nil); err != nil {
				slog.Warn("registry heartbeat failed", "error", err)
			}
		}
	}
}
