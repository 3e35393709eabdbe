// Package core provides the coordination server: the HTTP and
// WebSocket surface, the rule-engine consumer, the scheduled jobs,
// and a graceful lifecycle around all of them. The standalone binary
// embeds it next to an in-process gateway client.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/abhi1693/openclaw-agency/internal/core/archive"
	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/boardsync"
	"github.com/abhi1693/openclaw-agency/internal/core/bootstrap"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/config"
	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/gatewayapi"
	"github.com/abhi1693/openclaw-agency/internal/core/governor"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/router"
	"github.com/abhi1693/openclaw-agency/internal/core/service"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/logging"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// Server is the coordination core. Create one with NewServer, then
// call Serve to start listening; Serve blocks until its context is
// cancelled and tears everything down in order.
type Server struct {
	cfg   *config.Config
	sqlDB *sql.DB
	st    *store.Store
	rdb   *redis.Client
	b     *bus.Bus

	users    *relaypool.Pool
	gateways *relaypool.Pool
	engine   *proactivity.Engine
	emitter  *proactivity.Emitter
	governor *governor.Governor
	registry *service.RegistryService
	archiver *archive.Archiver

	server     *http.Server
	shutdownCh chan struct{}
}

// NewServer opens the database, runs migrations and bootstrap, checks
// the Redis connection, and wires every subsystem into an HTTP mux.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.EnsureJWTSecret() {
		slog.Warn("auth.jwt_secret not configured; end-user tokens will not survive a restart")
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)
	if err := bootstrap.Run(context.Background(), st); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b := bus.New(rdb)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = b.Ping(pingCtx)
	cancel()
	if err != nil {
		_ = sqlDB.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	shutdownCh := make(chan struct{})

	users := relaypool.NewUserPool()
	gateways := relaypool.NewGatewayPool()

	broadcaster := boardsync.NewBroadcaster(st, b)
	events := proactivity.NewPublisher(st, b)
	hub := proactivity.NewHub()
	engine := proactivity.NewEngine(sqlDB, b, broadcaster, hub, cfg.Retention.SuggestionTTL)
	emitter := proactivity.NewEmitter(st, events)
	rt := router.New(st, b, users, gateways, events)
	gov := governor.New(sqlDB, b, gatewayapi.New(), cfg.Governor.Interval)

	var archiver *archive.Archiver
	if cfg.Retention.EventTTLDays > 0 {
		archiver = archive.New(st, cfg.ArchiveDir(), time.Duration(cfg.Retention.EventTTLDays)*24*time.Hour)
	}

	authSvc := service.NewAuthService(st, cfg.Auth)
	registrySvc := service.NewRegistryService(st, events, cfg.BaseURL,
		cfg.Registry.HeartbeatInterval, cfg.Registry.OfflineThreshold)
	suggestionSvc := service.NewSuggestionService(st, hub)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-shutdownCh:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		if err := sqlDB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := b.Ping(r.Context()); err != nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /auth/operator/login", authSvc.OperatorLogin)
	mux.HandleFunc("POST /auth/operator/logout", authSvc.OperatorLogout)
	mux.HandleFunc("POST /auth/user/login", authSvc.UserLogin)

	operator := func(h http.HandlerFunc) http.Handler {
		return auth.RequireOperator(st, h)
	}
	mux.Handle("GET /suggestions", operator(suggestionSvc.List))
	mux.Handle("GET /suggestions/stream", operator(suggestionSvc.Stream))
	mux.Handle("GET /suggestions/{suggestion_id}", operator(suggestionSvc.Get))
	mux.Handle("POST /suggestions/{suggestion_id}/accept", operator(suggestionSvc.Accept))
	mux.Handle("POST /suggestions/{suggestion_id}/dismiss", operator(suggestionSvc.Dismiss))

	mux.HandleFunc("POST /gateway-registry/register", registrySvc.Register)
	mux.HandleFunc("POST /gateway-registry/heartbeat", registrySvc.Heartbeat)
	mux.HandleFunc("DELETE /gateway-registry/deregister", registrySvc.Deregister)

	mux.Handle("GET /ws/user/chat",
		service.WSUserChat(users, rt, b, cfg.Auth.JWTSecret, shutdownCh))
	mux.Handle("GET /ws/gateway/{gateway_id}/relay",
		service.WSGatewayRelay(st, gateways, rt, b, cfg.Registry.HeartbeatInterval, shutdownCh))
	mux.Handle("GET /ws/board/{board_id}/sync",
		service.WSBoardSync(st, b, broadcaster, events, shutdownCh))

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg:   cfg,
		sqlDB: sqlDB,
		st:    st,
		rdb:   rdb,
		b:     b,

		users:    users,
		gateways: gateways,
		engine:   engine,
		emitter:  emitter,
		governor: gov,
		registry: registrySvc,
		archiver: archiver,

		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownCh: shutdownCh,
	}, nil
}

// Store exposes the server's store for in-process embedding (the
// standalone binary provisions its local gateway through it).
func (s *Server) Store() *store.Store {
	return s.st
}

// DefaultOrgID returns the id of the bootstrap default organization.
func (s *Server) DefaultOrgID(ctx context.Context) (string, error) {
	org, err := s.st.GetOrgByName(ctx, "default")
	if err != nil {
		return "", fmt.Errorf("get default org: %w", err)
	}
	return org.ID, nil
}

// scheduledJobs registers all periodic work on one gocron scheduler.
// Every job runs in singleton mode so a slow pass never overlaps the
// next one.
func (s *Server) scheduledJobs(ctx context.Context) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)

	jobs := []struct {
		name string
		def  gocron.JobDefinition
		run  func()
	}{
		{"governor", gocron.DurationJob(s.cfg.Governor.Interval), func() {
			s.governor.Tick(ctx)
		}},
		{"gateway-stale-sweep", gocron.DurationJob(time.Minute), func() {
			if _, err := s.registry.MarkStale(ctx); err != nil {
				slog.Error("stale gateway sweep failed", "error", err)
			}
		}},
		{"suggestion-expiry", gocron.DurationJob(time.Minute), func() {
			if n, err := s.st.ExpireDueSuggestions(ctx, time.Now()); err != nil {
				slog.Error("suggestion expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("expired suggestions", "count", n)
			}
		}},
		{"session-expiry", gocron.DurationJob(time.Hour), func() {
			if err := s.st.DeleteExpiredOperatorSessions(ctx); err != nil {
				slog.Error("session expiry sweep failed", "error", err)
			}
		}},
		{"cron-hourly", gocron.CronJob("0 * * * *", false), func() {
			if err := s.emitter.EmitHourly(ctx); err != nil {
				slog.Error("hourly emitter failed", "error", err)
			}
		}},
		{"cron-daily", gocron.CronJob("0 6 * * *", false), func() {
			if err := s.emitter.EmitDaily(ctx); err != nil {
				slog.Error("daily emitter failed", "error", err)
			}
		}},
	}
	if s.archiver != nil {
		jobs = append(jobs, struct {
			name string
			def  gocron.JobDefinition
			run  func()
		}{"event-retention", gocron.CronJob("30 4 * * *", false), func() {
			if n, err := s.archiver.Sweep(ctx); err != nil {
				slog.Error("event retention sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("archived events", "count", n)
			}
		}})
	}

	for _, j := range jobs {
		if _, err := sched.NewJob(j.def, gocron.NewTask(j.run), singleton, gocron.WithName(j.name)); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return sched, nil
}

// Serve starts the listener, the rule engine consumer, and the job
// scheduler, then blocks until ctx is cancelled. Shutdown order:
// reject new connections, close live sockets with 1000, stop jobs and
// the engine, drain HTTP, checkpoint and close the database.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		_ = s.rdb.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	runCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))

	go s.engine.Run(runCtx)

	sched, err := s.scheduledJobs(runCtx)
	if err != nil {
		stopBackground()
		_ = ln.Close()
		_ = s.sqlDB.Close()
		_ = s.rdb.Close()
		return err
	}
	sched.Start()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("core shutting down...")

		// 1. Readiness flips; WS upgrades are refused from here on.
		close(s.shutdownCh)

		// 2. Close every live socket with a normal-shutdown code so
		// clients reconnect elsewhere instead of timing out.
		s.users.CloseAll(protocol.CloseNormal, "server shutting down")
		s.gateways.CloseAll(protocol.CloseNormal, "server shutting down")

		// 3. Stop periodic work and the engine consumer.
		if err := sched.Shutdown(); err != nil {
			slog.Warn("scheduler shutdown failed", "error", err)
		}
		stopBackground()

		// 4. Drain in-flight HTTP requests.
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(drainCtx)

		close(shutdownDone)
	}()

	slog.Info("core listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		stopBackground()
		_ = s.sqlDB.Close()
		_ = s.rdb.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if err := db.Checkpoint(s.sqlDB); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	_ = s.rdb.Close()
	return nil
}
