package pool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/common/stringutil"
	"github.com/alivehq/agentpool/pkg/wire"
)

// maxStderrLogLine caps relayed worker stderr lines so a runtime dumping a
// huge blob on one line cannot flood the pool log.
const maxStderrLogLine = 512

// SpawnSpec describes one worker process to launch.
type SpawnSpec struct {
	// EntryPath is the worker binary. Empty means "agentworker" next to the
	// current executable.
	EntryPath    string
	SocketPath   string
	WorkspaceKey string
	Credentials  WorkspaceCredentials
	SessionsDir  string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
}

// Process is the pool's handle to a launched worker process.
type Process interface {
	Pid() int
	// Terminate sends SIGTERM to the worker's process group.
	Terminate() error
	// Kill sends SIGKILL to the worker's process group.
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitErr reports how the process exited. Only valid after Done is closed;
	// nil means a zero exit status.
	ExitErr() error
}

// LaunchFunc starts a worker process for the given spec. The pool calls it
// with the spawn already admitted; implementations must not block on the
// worker becoming ready. Tests substitute in-process fakes for real children.
type LaunchFunc func(ctx context.Context, spec SpawnSpec) (Process, error)

// NewExecLauncher returns the production LaunchFunc, which runs the worker
// binary as a real child process in its own process group. The worker's
// stderr is relayed line by line to the pool log.
func NewExecLauncher(log *logger.Logger) LaunchFunc {
	return func(ctx context.Context, spec SpawnSpec) (Process, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := spec.EntryPath
		if entry == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve worker entry: %w", err)
			}
			entry = filepath.Join(filepath.Dir(self), "agentworker")
		}

		cmd := exec.Command(entry)
		cmd.Env = append(os.Environ(),
			wire.EnvSocketPath+"="+spec.SocketPath,
			wire.EnvWorkspaceKey+"="+spec.WorkspaceKey,
			wire.EnvTargetUID+"="+strconv.Itoa(spec.Credentials.UID),
			wire.EnvTargetGID+"="+strconv.Itoa(spec.Credentials.GID),
			wire.EnvTargetCwd+"="+spec.Credentials.Cwd,
			wire.EnvSessionsDir+"="+spec.SessionsDir,
		)
		cmd.Env = append(cmd.Env, spec.Env...)
		setProcGroup(cmd)

		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("create stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker process: %w", err)
		}

		p := &execProcess{
			cmd:  cmd,
			done: make(chan struct{}),
		}

		wlog := log.WithWorkspace(spec.WorkspaceKey).WithPID(cmd.Process.Pid)
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				line := stringutil.TruncateStringWithEllipsis(scanner.Text(), maxStderrLogLine)
				wlog.Debug("worker stderr", zap.String("line", line))
			}
		}()
		go func() {
			p.exitErr = cmd.Wait()
			close(p.done)
		}()

		return p, nil
	}
}

// execProcess wraps a real child process. exitErr is written by the wait
// goroutine before done is closed.
type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

// signalGroup signals the worker's whole process group so agent CLI children
// are included. Falls back to the worker process alone if the group is gone.
func (p *execProcess) signalGroup(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}
