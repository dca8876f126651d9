// Package app assembles the daemon: instance lock, storage, event bus,
// streaming, runners, orchestrator, and the HTTP/ws gateway are wired here in
// startup order and torn down in reverse. The lock is released on every exit
// path.
package app

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentd/agentd/internal/agent/repository/sqlite"
	"github.com/agentd/agentd/internal/common/config"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
	"github.com/agentd/agentd/internal/gateway"
	"github.com/agentd/agentd/internal/gateway/websocket"
	"github.com/agentd/agentd/internal/lock"
	"github.com/agentd/agentd/internal/metrics"
	"github.com/agentd/agentd/internal/orchestrator"
	"github.com/agentd/agentd/internal/process"
	"github.com/agentd/agentd/internal/runner"
	"github.com/agentd/agentd/internal/streaming"
	"github.com/agentd/agentd/internal/tracing"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// shutdownTimeout bounds the ordered teardown once Run begins returning.
const shutdownTimeout = 30 * time.Second

// App owns every long-lived component of a running daemon.
type App struct {
	cfg *config.Config
	log *logger.Logger

	lock        *lock.Manager
	store       *sqlite.Repository
	bus         bus.EventBus
	busCleanup  func() error
	metrics     *metrics.Metrics
	stream      *streaming.Service
	orch        *orchestrator.Service
	hub         *websocket.Hub
	broadcaster *websocket.AgentEventBroadcaster
	server      *gateway.Server

	instanceID string
	startedAt  time.Time
	started    atomic.Bool
}

// New prepares an App from loaded configuration. Nothing is opened until Run.
func New(cfg *config.Config, log *logger.Logger) *App {
	if log == nil {
		log = logger.Default()
	}
	return &App{
		cfg:        cfg,
		log:        log.WithComponent("app"),
		instanceID: uuid.New().String(),
	}
}

// Run starts every component and blocks until the context is cancelled or the
// HTTP server fails. Teardown runs in order regardless of how the run ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}
	a.started.Store(true)
	defer a.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	return g.Wait()
}

// start brings the components up in dependency order. On failure the caller
// tears down whatever was already opened.
func (a *App) start(ctx context.Context) error {
	a.startedAt = time.Now().UTC()

	// 1. Instance lock. A stale lock from a dead daemon is reclaimed; a live
	// one aborts startup with its owner's pid and port.
	a.lock = lock.NewManager(a.cfg.Lock.Path, a.cfg.Server.Port, a.instanceID, a.log)
	if removed, err := a.lock.CleanupStale(); err != nil {
		return fmt.Errorf("failed to clean up stale lock: %w", err)
	} else if removed {
		a.log.Info("removed stale instance lock", zap.String("path", a.lock.Path()))
	}
	if err := a.lock.Acquire(); err != nil {
		return err
	}

	// 2. Storage. Open creates the file and applies the schema.
	store, err := sqlite.Open(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.log.Info("database opened", zap.String("path", a.cfg.Database.Path))

	// 3. Event bus.
	provided, busCleanup, err := events.Provide(a.cfg, a.log)
	if err != nil {
		return err
	}
	a.bus = provided.Bus
	a.busCleanup = busCleanup
	a.log.Info("event bus ready", zap.String("mode", a.cfg.Events.Mode))

	// 4. Metrics and streaming.
	a.metrics = metrics.New()
	a.stream = streaming.NewService(a.store, a.bus, a.log)
	a.stream.SetMetrics(a.metrics)

	// 5. Runners and orchestrator.
	procs := process.NewManager(a.log)
	runners := runner.NewFactory(a.cfg.Providers, procs, a.log)
	a.orch = orchestrator.NewService(a.store, runners, a.stream, a.cfg.Queue.Capacity, a.metrics, a.log)
	a.orch.Start(ctx)

	// 6. Gateway. The hub resolves room membership through the streaming
	// service, which in turn broadcasts through the hub.
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	a.hub = websocket.NewHub(a.stream, a.metrics, a.log)
	a.stream.SetRooms(a.hub)

	broadcaster, err := websocket.RegisterAgentNotifications(ctx, a.bus, a.hub, a.log)
	if err != nil {
		return fmt.Errorf("failed to register agent notifications: %w", err)
	}
	a.broadcaster = broadcaster

	wsHandler := websocket.NewHandler(a.hub, a.log)
	handlers := gateway.NewAgentHandlers(a.orch, a, a.log)
	a.server = gateway.NewServer(a.cfg.Server, handlers, wsHandler, a.metrics, a.log)

	a.log.Info("agentd started",
		zap.String("instance_id", a.instanceID),
		zap.Int("port", a.cfg.Server.Port),
		zap.Int("pid", os.Getpid()))
	return nil
}

// shutdown tears components down in order. Every step runs even when an
// earlier one fails; the lock release is last and never skipped.
func (a *App) shutdown() {
	a.started.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.orch != nil {
		a.orch.Shutdown(ctx)
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("failed to close database", zap.Error(err))
		}
	}
	if a.busCleanup != nil {
		if err := a.busCleanup(); err != nil {
			a.log.Error("failed to close event bus", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Error("failed to flush traces", zap.Error(err))
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.log.Error("failed to release instance lock", zap.Error(err))
		}
	}
	a.log.Info("agentd stopped")
}

// InstanceMetadata reports the live health snapshot served on /health. Before
// startup completes it returns an error so callers answer 503.
func (a *App) InstanceMetadata(ctx context.Context) (*v1.HealthResponse, error) {
	if !a.started.Load() {
		return nil, apperrors.ServiceUnavailable("agentd")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := &v1.HealthResponse{
		Status: v1.HealthStatusOK,
		PID:    os.Getpid(),
		Uptime: time.Since(a.startedAt).Seconds(),
		MemoryUsage: v1.MemoryUsage{
			HeapUsed:  mem.HeapAlloc,
			HeapTotal: mem.HeapSys,
			External:  mem.HeapIdle,
			RSS:       mem.Sys,
		},
		DatabaseStatus: v1.DatabaseConnected,
		StartedAt:      a.startedAt,
		Timestamp:      time.Now().UTC(),
		Port:           a.cfg.Server.Port,
		InstanceID:     a.instanceID,
	}

	if err := a.store.Ping(); err != nil {
		a.log.Warn("database ping failed", zap.Error(err))
		resp.Status = v1.HealthStatusDegraded
		resp.DatabaseStatus = v1.DatabaseDisconnected
		return resp, nil
	}

	active, total, err := a.orch.Counts(ctx)
	if err != nil {
		a.log.Warn("failed to count agents for health snapshot", zap.Error(err))
		resp.Status = v1.HealthStatusError
		return resp, nil
	}
	resp.ActiveAgents = active
	resp.TotalAgents = total
	return resp, nil
}
