// Package main is the entry point for a pool worker process. The pool spawns
// it with the socket path and target identity in the environment; everything
// after that arrives over the socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/runtime"
	"github.com/alivehq/agentpool/internal/worker"
	"github.com/alivehq/agentpool/internal/worker/policy"
	"github.com/alivehq/agentpool/pkg/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentworker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Read the spawn contract
	cfg, agentArgv, err := configFromEnv()
	if err != nil {
		return err
	}

	// 2. Initialize the logger. Workers log to stderr; the pool relays it.
	level := os.Getenv("AGENTPOOL_LOGGING_LEVEL")
	if level == "" {
		level = "info"
	}
	log, err := logger.NewWorkerLogger(level, cfg.WorkspaceKey)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. SIGTERM from the pool cancels the serve context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 4. The agent runtime queries will drive
	rt := runtime.NewCLIRuntime(agentArgv, log)

	log.Info("worker process starting",
		zap.Int("pid", os.Getpid()),
		zap.Strings("agent", agentArgv))

	// 5. Serve until the pool says otherwise
	return worker.Run(ctx, cfg, rt, log)
}

// configFromEnv assembles the worker configuration from the spawn
// environment and returns the agent CLI argv alongside it.
func configFromEnv() (worker.Config, []string, error) {
	socket := os.Getenv(wire.EnvSocketPath)
	if socket == "" {
		return worker.Config{}, nil, fmt.Errorf("%s not set", wire.EnvSocketPath)
	}
	key := os.Getenv(wire.EnvWorkspaceKey)
	if key == "" {
		return worker.Config{}, nil, fmt.Errorf("%s not set", wire.EnvWorkspaceKey)
	}
	cwd := os.Getenv(wire.EnvTargetCwd)
	if cwd == "" {
		return worker.Config{}, nil, fmt.Errorf("%s not set", wire.EnvTargetCwd)
	}
	uid, err := intEnv(wire.EnvTargetUID)
	if err != nil {
		return worker.Config{}, nil, err
	}
	gid, err := intEnv(wire.EnvTargetGID)
	if err != nil {
		return worker.Config{}, nil, err
	}

	cfg := worker.Config{
		SocketPath:   socket,
		WorkspaceKey: key,
		UID:          uid,
		GID:          gid,
		Cwd:          cwd,
		SessionsBase: os.Getenv(wire.EnvSessionsDir),
		SkillsDir:    os.Getenv(wire.EnvSkillsDir),
	}

	if path := os.Getenv(wire.EnvPolicyPath); path != "" {
		pol, err := policy.LoadFile(path)
		if err != nil {
			return worker.Config{}, nil, err
		}
		cfg.Policy = pol
	}

	agent := os.Getenv(wire.EnvAgentPath)
	if agent == "" {
		agent = "claude"
	}
	return cfg, strings.Fields(agent), nil
}

func intEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, fmt.Errorf("%s not set", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
