package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/common/stringutil"
	"github.com/alivehq/agentpool/pkg/wire"
)

// WorkerState is the lifecycle state of one worker process.
type WorkerState string

const (
	// StateStarting covers spawn until the worker's ready message arrives.
	StateStarting WorkerState = "STARTING"
	// StateReady means the worker is idle and can accept a query.
	StateReady WorkerState = "READY"
	// StateBusy means exactly one query is in flight on the worker.
	StateBusy WorkerState = "BUSY"
	// StateShuttingDown means shutdown was requested; no new work is assigned.
	StateShuttingDown WorkerState = "SHUTTING_DOWN"
	// StateDead is terminal; the handle only awaits removal from the pool.
	StateDead WorkerState = "DEAD"
)

// maxSocketKeyLen bounds the workspace-derived part of a socket filename so
// the full path stays inside the kernel's sun_path limit.
const maxSocketKeyLen = 40

// workerHandle is the pool's view of one worker process: its Unix socket, the
// child process, and the lifecycle bookkeeping around both.
//
// Mutable lifecycle fields (state, active, pending, timers, counters) are
// guarded by the owning pool's mutex. The connection pair is guarded by
// connMu because the accept goroutine installs it after startup. proc,
// listener, and socketPath are set once during start, before any other
// goroutine can see the handle.
type workerHandle struct {
	id           string
	workspaceKey string
	creds        WorkspaceCredentials
	socketPath   string

	pool *WorkerPool
	log  *logger.Logger

	listener net.Listener
	proc     Process

	connMu sync.Mutex
	conn   net.Conn
	enc    *wire.Encoder

	// Guarded by pool.mu.
	state            WorkerState
	active           *request
	pending          *request
	cancelSent       bool
	cancelTimer      *time.Timer
	readyTimer       *time.Timer
	retireWhenIdle   bool
	createdAt        time.Time
	lastActivityAt   time.Time
	queriesProcessed int

	shutdownAck chan struct{}
	healthAck   chan wire.HealthOK
	pingMu      sync.Mutex
	termOnce    sync.Once
}

func newWorkerHandle(p *WorkerPool, creds WorkspaceCredentials) *workerHandle {
	id := uuid.New().String()[:8]
	h := &workerHandle{
		id:           id,
		workspaceKey: creds.WorkspaceKey,
		creds:        creds,
		pool:         p,
		state:        StateStarting,
		shutdownAck:  make(chan struct{}, 1),
		healthAck:    make(chan wire.HealthOK, 1),
	}
	h.log = p.log.WithWorkspace(creds.WorkspaceKey).WithFields(zap.String("worker_id", id))
	return h
}

// start creates the worker's listening socket, launches the child process,
// and kicks off the accept and exit-watch goroutines. The socket must be
// listening before launch so the child can connect immediately.
func (h *workerHandle) start(ctx context.Context) error {
	cfg := &h.pool.cfg
	if err := os.MkdirAll(cfg.SocketDir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	name := stringutil.TruncateString(stringutil.SanitizeKey(h.workspaceKey), maxSocketKeyLen)
	h.socketPath = filepath.Join(cfg.SocketDir, name+"-"+h.id+".sock")

	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("listen on worker socket: %w", err)
	}
	h.listener = ln

	proc, err := h.pool.launch(ctx, SpawnSpec{
		EntryPath:    cfg.WorkerEntryPath,
		SocketPath:   h.socketPath,
		WorkspaceKey: h.workspaceKey,
		Credentials:  h.creds,
		SessionsDir:  cfg.SessionsBaseDir,
		Env:          cfg.WorkerEnv,
	})
	if err != nil {
		ln.Close()
		os.Remove(h.socketPath)
		return fmt.Errorf("launch worker: %w", err)
	}
	h.proc = proc
	h.log = h.log.WithPID(proc.Pid())

	now := time.Now()
	h.createdAt = now
	h.lastActivityAt = now
	h.readyTimer = time.AfterFunc(cfg.ReadyTimeout, func() {
		h.pool.handleReadyTimeout(h)
	})

	go h.acceptLoop(ln)
	go h.watchExit()

	h.log.Info("worker spawned",
		zap.String("socket", h.socketPath),
		zap.Int("uid", h.creds.UID),
		zap.Int("gid", h.creds.GID))
	return nil
}

// acceptLoop waits for the single inbound connection from the worker, then
// reads protocol messages until the stream breaks. The listener stays open
// for the worker's lifetime so the socket file persists until cleanup.
func (h *workerHandle) acceptLoop(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		// Cleanup closes the listener; anything else is a real socket fault.
		if !errors.Is(err, net.ErrClosed) {
			h.pool.handleSocketError(h, err)
		}
		return
	}

	h.connMu.Lock()
	h.conn = conn
	h.enc = wire.NewEncoder(conn)
	h.connMu.Unlock()

	h.log.Debug("worker connected")
	h.readLoop(conn)
}

func (h *workerHandle) readLoop(conn net.Conn) {
	dec := wire.NewDecoder(conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) {
				h.log.Warn("dropping malformed frame from worker", zap.Error(de))
				continue
			}
			if errors.Is(err, wire.ErrFrameTooLarge) {
				h.pool.handleSocketError(h, err)
				return
			}
			// EOF and closed-connection errors both mean the stream is gone;
			// whether that is expected depends on pool state.
			h.pool.handleSocketClosed(h, err)
			return
		}
		h.dispatch(msg)
	}
}

// dispatch routes one decoded worker message. Stream traffic goes straight to
// the active request's callback, outside any pool lock; lifecycle messages go
// to the pool.
func (h *workerHandle) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Ready:
		h.pool.handleWorkerReady(h)
	case wire.Session:
		if req := h.streamTarget(m.RequestID); req != nil {
			req.emit(StreamEvent{Type: wire.StreamSession, RequestID: m.RequestID, SessionID: m.SessionID})
		}
	case wire.Chunk:
		if req := h.streamTarget(m.RequestID); req != nil {
			req.emit(StreamEvent{Type: wire.StreamMessage, RequestID: m.RequestID, Content: m.Content})
		}
	case wire.Complete:
		h.pool.handleWorkerComplete(h, m)
	case wire.WorkerError:
		h.pool.handleWorkerError(h, m)
	case wire.ShutdownAck:
		select {
		case h.shutdownAck <- struct{}{}:
		default:
		}
	case wire.HealthOK:
		select {
		case h.healthAck <- m:
		default:
		}
	default:
		h.log.Warn("unexpected message from worker", zap.String("message_type", fmt.Sprintf("%T", msg)))
	}
}

// streamTarget returns the active request iff it matches the stream's request
// ID and has not already settled. Late chunks for cancelled or superseded
// requests are dropped here.
func (h *workerHandle) streamTarget(requestID string) *request {
	h.pool.mu.Lock()
	req := h.active
	h.pool.mu.Unlock()
	if req == nil || req.id != requestID || req.isSettled() {
		return nil
	}
	return req
}

// watchExit waits for the child to be reaped and reports it to the pool.
func (h *workerHandle) watchExit() {
	<-h.proc.Done()
	h.pool.handleWorkerExit(h, h.proc.ExitErr())
}

// send writes one protocol message to the worker. Safe for concurrent use;
// fails if the worker has not connected yet.
func (h *workerHandle) send(msg wire.Message) error {
	h.connMu.Lock()
	enc := h.enc
	h.connMu.Unlock()
	if enc == nil {
		return errors.New("worker not connected")
	}
	return enc.Encode(msg)
}

// closeSocket tears down the connection, the listener, and the socket file.
// Safe to call more than once.
func (h *workerHandle) closeSocket() {
	h.connMu.Lock()
	conn := h.conn
	h.conn = nil
	h.enc = nil
	h.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if h.listener != nil {
		h.listener.Close()
	}
	// Closing the listener unlinks the socket, but remove explicitly in case
	// the listener never came up.
	if h.socketPath != "" {
		os.Remove(h.socketPath)
	}
}

// forceTerminate signals the worker's process group with SIGTERM and
// escalates to SIGKILL if it has not exited within the kill grace period.
// Idempotent.
func (h *workerHandle) forceTerminate() {
	h.termOnce.Do(func() {
		proc := h.proc
		if proc == nil {
			return
		}
		atomic.AddInt64(&h.pool.counters.groupTerminations, 1)
		if err := proc.Terminate(); err != nil {
			h.log.Debug("terminate signal failed", zap.Error(err))
		}
		grace := h.pool.cfg.KillGrace
		go func() {
			select {
			case <-proc.Done():
			case <-time.After(grace):
				atomic.AddInt64(&h.pool.counters.groupKillEscalations, 1)
				h.log.Warn("worker ignored SIGTERM, escalating to SIGKILL")
				if err := proc.Kill(); err != nil {
					h.log.Debug("kill signal failed", zap.Error(err))
				}
			}
		}()
	})
}

// ping sends a health check and waits for the reply. One ping runs at a time
// per worker; concurrent callers queue on pingMu.
func (h *workerHandle) ping(ctx context.Context) (wire.HealthOK, error) {
	h.pingMu.Lock()
	defer h.pingMu.Unlock()

	// Drain a stale reply from an earlier timed-out ping.
	select {
	case <-h.healthAck:
	default:
	}

	if err := h.send(wire.NewHealthCheck()); err != nil {
		return wire.HealthOK{}, err
	}
	select {
	case reply := <-h.healthAck:
		return reply, nil
	case <-ctx.Done():
		return wire.HealthOK{}, ctx.Err()
	}
}

// infoLocked snapshots the handle for reporting. Caller holds the pool lock.
func (h *workerHandle) infoLocked(now time.Time) WorkerInfo {
	info := WorkerInfo{
		WorkspaceKey:     h.workspaceKey,
		State:            string(h.state),
		CreatedAt:        h.createdAt,
		LastActivityAt:   h.lastActivityAt,
		QueriesProcessed: h.queriesProcessed,
		AgeMs:            now.Sub(h.createdAt).Milliseconds(),
		IdleMs:           now.Sub(h.lastActivityAt).Milliseconds(),
	}
	if h.proc != nil {
		info.PID = h.proc.Pid()
	}
	if h.active != nil {
		info.ActiveRequestID = h.active.id
	}
	return info
}
