// Package main is the entry point for the agent pool daemon. It hosts the
// worker fleet, the reaper, and the operator debug endpoint, and shuts the
// whole thing down on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alivehq/agentpool/internal/claimstore"
	"github.com/alivehq/agentpool/internal/common/config"
	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/debugsrv"
	"github.com/alivehq/agentpool/internal/events"
	"github.com/alivehq/agentpool/internal/pool"
	"github.com/alivehq/agentpool/internal/tracing"
	"github.com/alivehq/agentpool/pkg/wire"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent pool daemon...")

	// 3. Tracing. The tracer reads the standard OTLP env var, so a
	// config-file endpoint is exported before anything asks for a tracer.
	if cfg.Tracing.Endpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	}

	// 4. Create context cancelled by shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Open the claim store when a DSN is configured, reclaiming claims a
	// crashed process left behind
	var claims *claimstore.Store
	if cfg.Claims.DSN != "" {
		claims, err = claimstore.Open(ctx, cfg.Claims.DSN, log)
		if err != nil {
			log.Fatal("Failed to open claim store", zap.Error(err))
		}
		defer claims.Close()
		if _, err := claims.ReclaimStale(ctx, cfg.Claims.ReclaimAfter); err != nil {
			log.Warn("Stale claim reclaim failed", zap.Error(err))
		}
		log.Info("Claim store connected")
	}

	// 7. Create the worker pool. The worker section rides to each child via
	// its spawn environment.
	cfg.Pool.WorkerEnv = append(cfg.Pool.WorkerEnv, workerEnv(cfg)...)
	p, err := pool.Init(cfg.Pool, eventBus, nil, log)
	if err != nil {
		log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	if claims != nil {
		p.SetClaims(claims)
	}
	log.Info("Worker pool ready",
		zap.Int("max_workers", cfg.Pool.MaxWorkers),
		zap.String("socket_dir", cfg.Pool.SocketDir))

	// 8. Start the reaper
	reaper := pool.NewReaper(p, log)
	reaper.Start()

	// 9. Start the debug server when an address is configured
	g, _ := errgroup.WithContext(ctx)
	var debug *debugsrv.Server
	if cfg.Debug.Addr != "" {
		debug = debugsrv.NewServer(cfg.Debug.Addr, p, eventBus, log)
		g.Go(debug.Start)
	}

	// 10. Block until a shutdown signal arrives
	<-ctx.Done()
	log.Info("Shutting down agent pool daemon...")

	// 11. Graceful shutdown. The budget covers a full worker drain plus the
	// kill escalation.
	budget := cfg.Pool.ShutdownTimeout + cfg.Pool.KillGrace + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	reaper.Stop()
	if debug != nil {
		if err := debug.Shutdown(shutdownCtx); err != nil {
			log.Error("Debug server shutdown error", zap.Error(err))
		}
	}
	if err := p.ShutdownAll(shutdownCtx); err != nil {
		log.Error("Pool shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("Debug server error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Agent pool daemon stopped")
}

// workerEnv renders the worker section as spawn-environment variables. The
// logging level rides along so workers log at the daemon's level.
func workerEnv(cfg *config.Config) []string {
	env := []string{
		wire.EnvAgentPath + "=" + cfg.Worker.AgentPath,
		"AGENTPOOL_LOGGING_LEVEL=" + cfg.Logging.Level,
	}
	if cfg.Worker.SkillsDir != "" {
		env = append(env, wire.EnvSkillsDir+"="+cfg.Worker.SkillsDir)
	}
	if cfg.Worker.PolicyPath != "" {
		env = append(env, wire.EnvPolicyPath+"="+cfg.Worker.PolicyPath)
	}
	return env
}
