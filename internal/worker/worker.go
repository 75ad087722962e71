// Package worker implements the query-serving child process. It connects to
// the pool over the spawn socket, prepares the per-workspace session home,
// drops privileges to the workspace identity, and then serves queries one at
// a time until the pool tells it to shut down or the socket goes away.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/runtime"
	"github.com/alivehq/agentpool/internal/worker/policy"
	"github.com/alivehq/agentpool/pkg/wire"
)

// busyMessage is the error text returned for a query that arrives while one
// is already running. The pool never double-dispatches, so seeing this means
// a misbehaving parent.
const busyMessage = "Worker busy — already processing a query"

// shutdownCancelGrace is how long a graceful shutdown waits after cancelling
// a still-running request before acking anyway.
const shutdownCancelGrace = 2 * time.Second

// Config carries everything the worker entry passes in from the spawn
// environment.
type Config struct {
	SocketPath   string
	WorkspaceKey string
	UID          int
	GID          int
	Cwd          string

	// SessionsBase is the directory under which per-workspace session homes
	// live. SkillsDir, when set, is a host-global directory of agent skill
	// files copied into the session home on startup.
	SessionsBase string
	SkillsDir    string

	// Policy overrides the embedded tool-permission policy. Nil keeps the
	// embedded one.
	Policy *policy.Policy

	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SessionsBase == "" {
		c.SessionsBase = filepath.Join(os.TempDir(), "agentpool-sessions")
	}
}

// Worker is the serving state of one worker process.
type Worker struct {
	cfg Config
	rt  runtime.Runtime
	log *logger.Logger
	pol *policy.Policy
	sys identity

	enc *wire.Encoder
	dec *wire.Decoder

	home    string
	started time.Time

	mu        sync.Mutex
	current   *runState
	processed int
}

// runState tracks one in-flight query.
type runState struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Run executes the worker lifecycle: connect, set up the session home, drop
// privileges, announce ready, serve. It returns nil on a clean shutdown; any
// error is fatal to the process.
func Run(ctx context.Context, cfg Config, rt runtime.Runtime, log *logger.Logger) error {
	cfg.applyDefaults()

	conn, err := net.DialTimeout("unix", cfg.SocketPath, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("worker: connect %s: %w", cfg.SocketPath, err)
	}
	defer conn.Close()

	// A cancelled context (SIGTERM from the pool) must unblock the read loop.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := newWorker(cfg, rt, log, osIdentity{})
	if err := w.setup(); err != nil {
		return err
	}
	return w.serveConn(ctx, conn)
}

func newWorker(cfg Config, rt runtime.Runtime, log *logger.Logger, sys identity) *Worker {
	cfg.applyDefaults()
	pol := cfg.Policy
	if pol == nil {
		pol = policy.Default()
	}
	return &Worker{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		pol:     pol,
		sys:     sys,
		started: time.Now(),
	}
}

// setup runs the startup sequence after the socket is connected and before
// ready is sent. Order matters: the session home is created and chowned while
// the process is still privileged, the identity drop comes after HOME and
// TMPDIR point inside it, and the working directory is entered last.
func (w *Worker) setup() error {
	home := w.ensureSessionHome()
	w.copySkills(home)

	// HOME moves into the session home so the agent runtime persists its
	// conversational state there. The runtime's credentials directory is
	// deliberately left alone: it points at shared host state so a token
	// refresh by one worker is visible to all.
	os.Setenv("HOME", home)
	os.Setenv("TMPDIR", w.ensureTmpDir(home))
	w.home = home

	if err := dropPrivileges(w.sys, w.cfg.UID, w.cfg.GID); err != nil {
		return err
	}

	if err := validateCwd(w.cfg.Cwd); err != nil {
		return err
	}
	if err := os.Chdir(w.cfg.Cwd); err != nil {
		return fmt.Errorf("worker: chdir %s: %w", w.cfg.Cwd, err)
	}
	return nil
}

// serveConn announces readiness and then serves protocol messages from conn
// until shutdown or disconnect.
func (w *Worker) serveConn(ctx context.Context, conn net.Conn) error {
	w.enc = wire.NewEncoder(conn)
	w.dec = wire.NewDecoder(conn)

	if err := w.enc.Encode(wire.NewReady()); err != nil {
		return fmt.Errorf("worker: send ready: %w", err)
	}
	w.log.Info("worker ready",
		zap.String("workspace", w.cfg.WorkspaceKey),
		zap.Int("uid", w.cfg.UID),
		zap.Int("gid", w.cfg.GID),
		zap.String("home", w.home))

	for {
		msg, err := w.dec.Next()
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) {
				w.log.Warn("dropping malformed frame", zap.Error(de))
				continue
			}
			if errors.Is(err, wire.ErrFrameTooLarge) {
				return fmt.Errorf("worker: %w", err)
			}
			if isClosedConn(err) {
				w.log.Info("socket closed, exiting")
				return nil
			}
			return fmt.Errorf("worker: socket read: %w", err)
		}

		switch m := msg.(type) {
		case wire.Query:
			w.handleQuery(ctx, m)
		case wire.Cancel:
			w.handleCancel(m)
		case wire.Shutdown:
			return w.handleShutdown(m)
		case wire.HealthCheck:
			w.mu.Lock()
			processed := w.processed
			w.mu.Unlock()
			w.send(wire.NewHealthOK(time.Since(w.started).Milliseconds(), processed))
		default:
			w.log.Warn("dropping unexpected message", zap.String("message_type", fmt.Sprintf("%T", m)))
		}
	}
}

// handleQuery admits one query. Admission runs on the serve goroutine, so a
// busy check here cannot race another query.
func (w *Worker) handleQuery(ctx context.Context, q wire.Query) {
	log := w.log.WithRequestID(q.RequestID)

	w.mu.Lock()
	busy := w.current != nil
	w.mu.Unlock()
	if busy {
		log.Warn("rejecting query while busy")
		w.send(wire.NewWorkerError(q.RequestID, "", busyMessage, "", ""))
		return
	}

	if reasons := validatePayload(q.Payload); len(reasons) > 0 {
		log.Warn("rejecting invalid payload", zap.Strings("reasons", reasons))
		w.send(wire.NewWorkerError(q.RequestID, wire.ErrCodeInvalidPayload,
			"invalid payload: "+strings.Join(reasons, "; "), "", ""))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &runState{id: q.RequestID, cancel: cancel, done: make(chan struct{})}
	w.mu.Lock()
	w.current = st
	w.mu.Unlock()

	log.Info("starting query")
	go w.runQuery(runCtx, st, q)
}

// handleCancel aborts the in-flight request. Query state is cleared
// immediately so a subsequent query can be admitted while the old run
// unwinds; the terminal message still goes out when it does.
func (w *Worker) handleCancel(m wire.Cancel) {
	w.mu.Lock()
	st := w.current
	if st == nil || st.id != m.RequestID {
		w.mu.Unlock()
		w.log.Debug("cancel for unknown request", zap.String("request_id", m.RequestID))
		return
	}
	w.current = nil
	w.mu.Unlock()

	w.log.Info("cancelling in-flight request", zap.String("request_id", m.RequestID))
	st.cancel()
}

// handleShutdown drains and acks. Graceful shutdowns wait for the in-flight
// request up to the shutdown timeout before cancelling it.
func (w *Worker) handleShutdown(m wire.Shutdown) error {
	w.log.Info("shutdown requested", zap.Bool("graceful", m.Graceful))

	w.mu.Lock()
	st := w.current
	w.mu.Unlock()

	if st != nil {
		if m.Graceful {
			select {
			case <-st.done:
			case <-time.After(w.cfg.ShutdownTimeout):
				w.log.Warn("request still running at shutdown deadline, cancelling")
				st.cancel()
				select {
				case <-st.done:
				case <-time.After(shutdownCancelGrace):
				}
			}
		} else {
			st.cancel()
		}
	}

	w.send(wire.NewShutdownAck())
	return nil
}

// send writes one message to the pool. Write failures are logged, not fatal:
// if the socket is gone the read side notices and exits the process.
func (w *Worker) send(msg wire.Message) {
	if err := w.enc.Encode(msg); err != nil {
		w.log.Warn("failed to send message", zap.Error(err))
	}
}

// detach ends st's claim on the worker. Exactly one terminal path calls it
// per run; the cancel path clears current separately without counting.
func (w *Worker) detach(st *runState) {
	w.mu.Lock()
	if w.current == st {
		w.current = nil
	}
	w.processed++
	w.mu.Unlock()
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
