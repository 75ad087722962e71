// Package pool hosts long-running agent queries in isolated worker
// processes, one workspace per worker. It owns admission control, per-tenant
// fair queueing, worker spawn/reuse/eviction, cancellation, and the cleanup
// guarantees around worker death.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
	"github.com/alivehq/agentpool/internal/tracing"
	"github.com/alivehq/agentpool/pkg/wire"
)

// WorkerPool manages the worker fleet and routes queries onto it. One worker
// serves one workspace, and at most one query runs on a worker at a time.
//
// A single mutex guards the pool's routing state and every handle's
// lifecycle fields. Socket writes, request settlement, and event publishing
// all happen outside it.
type WorkerPool struct {
	cfg    Config
	log    *logger.Logger
	bus    bus.EventBus
	launch LaunchFunc
	claims ClaimRecorder

	mu                sync.Mutex
	workers           map[string]*workerHandle
	queue             *waitQueue
	activeByOwner     map[string]int
	activeByWorkspace map[string]int
	activeRequests    int
	shuttingDown      bool

	counters counters
}

// NewWorkerPool builds a pool from the given configuration. A nil eventBus
// gets an in-memory bus, a nil launch gets the real process launcher, and a
// nil log gets the default logger.
func NewWorkerPool(cfg Config, eventBus bus.EventBus, launch LaunchFunc, log *logger.Logger) (*WorkerPool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "pool"))
	if launch == nil {
		launch = NewExecLauncher(log)
	}
	if eventBus == nil {
		eventBus = bus.NewMemoryEventBus(log)
	}
	return &WorkerPool{
		cfg:               cfg,
		log:               log,
		bus:               eventBus,
		launch:            launch,
		workers:           make(map[string]*workerHandle),
		queue:             newWaitQueue(),
		activeByOwner:     make(map[string]int),
		activeByWorkspace: make(map[string]int),
	}, nil
}

// Config returns the pool's effective configuration.
func (p *WorkerPool) Config() Config {
	return p.cfg
}

// Query submits a request and blocks until it settles. Stream traffic is
// delivered through opts.OnMessage while the query runs. Cancelling ctx
// cancels the query: queued requests settle immediately, running ones are
// aborted cooperatively and force-terminated if the worker does not comply
// within the cancel timeout.
func (p *WorkerPool) Query(ctx context.Context, creds WorkspaceCredentials, opts QueryOptions) (*QueryResult, error) {
	if creds.WorkspaceKey == "" {
		return nil, fmt.Errorf("workspace key required")
	}
	if opts.OwnerKey == "" {
		return nil, fmt.Errorf("owner key required")
	}
	if opts.RequestID == "" {
		opts.RequestID = uuid.New().String()
	}

	ctx, span := tracing.TraceQuery(ctx, opts.RequestID, opts.OwnerKey, creds.WorkspaceKey)
	defer span.End()

	req := newRequest(ctx, creds, opts)
	if err := p.submit(req); err != nil {
		tracing.TraceQueryResult(span, false, 0, err)
		return nil, err
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		p.cancelRequest(req)
		// Cancellation always settles the request: either the worker aborts
		// cooperatively or the cancel timeout force-terminates it.
		<-req.done
	}
	if req.result != nil {
		tracing.TraceQueryResult(span, req.result.Cancelled, req.result.TotalMessages, req.err)
	} else {
		tracing.TraceQueryResult(span, false, 0, req.err)
	}
	return req.result, req.err
}

// submit runs admission and placement for a new request. On success the
// request is either running on a worker or queued; the returned error is the
// admission rejection or spawn failure otherwise.
func (p *WorkerPool) submit(req *request) error {
	ws := req.workspaceKey()
	log := p.log.WithRequestID(req.id).WithWorkspace(ws)

	p.mu.Lock()

	if rej := p.admitLocked(req); rej != nil {
		p.mu.Unlock()
		log.Warn("request rejected", zap.String("code", string(rej.Code)))
		p.emitRequestRejected(req, rej)
		return rej
	}

	// Per-tenant active caps gate immediate dispatch; over-cap tenants wait
	// in the queue even when workers are free.
	if p.activeByOwner[req.ownerKey] >= p.cfg.MaxWorkersPerUser ||
		p.activeByWorkspace[ws] >= p.cfg.MaxWorkersPerWorkspace {
		p.queue.push(req)
		depth := p.queue.depth()
		p.mu.Unlock()
		log.Debug("request queued behind tenant caps", zap.Int("queue_depth", depth))
		p.emitRequestQueued(req, depth)
		return nil
	}

	// Reuse an idle worker already serving this workspace.
	if h := p.idleWorkerLocked(ws); h != nil {
		p.assignLocked(h, req)
		p.mu.Unlock()
		p.emitRequestAdmitted(req, h)
		p.sendQueryTo(h, req)
		return nil
	}

	// No idle worker: spawn, evicting an idle worker of another workspace if
	// the fleet is full. If nothing is evictable, wait in the queue.
	var posts []func()
	if len(p.workers) >= p.cfg.MaxWorkers {
		victim := p.evictionCandidateLocked(ws)
		if victim == nil {
			p.queue.push(req)
			depth := p.queue.depth()
			p.mu.Unlock()
			log.Debug("request queued, fleet is full", zap.Int("queue_depth", depth))
			p.emitRequestQueued(req, depth)
			return nil
		}
		atomic.AddInt64(&p.counters.evicted, 1)
		log.Info("evicting idle worker",
			zap.String("victim_workspace", victim.workspaceKey),
			zap.String("strategy", p.cfg.EvictionStrategy))
		posts = append(posts, p.destroyWorkerLocked(victim, "evicted", nil))
	}

	h, perr := p.spawnLocked(req)
	if perr != nil {
		p.mu.Unlock()
		for _, post := range posts {
			post()
		}
		log.Error("worker spawn failed", zap.Error(perr))
		p.emitRequestFailed(req, perr)
		return perr
	}
	p.mu.Unlock()

	for _, post := range posts {
		post()
	}
	p.emitWorkerSpawned(h)
	p.emitRequestAdmitted(req, h)
	return nil
}

// admitLocked applies the admission checks in their fixed order and returns
// the rejection, or nil when the request may proceed.
func (p *WorkerPool) admitLocked(req *request) *PoolError {
	if p.shuttingDown {
		return &PoolError{Code: CodeShuttingDown, Message: "pool is shutting down"}
	}
	if p.queue.depth() >= p.cfg.MaxQueuedGlobal {
		atomic.AddInt64(&p.counters.queueRejectedGlobal, 1)
		return newLimitError(CodeGlobalLimit, "global queue is full",
			p.cfg.MaxQueuedGlobal, p.queue.depth())
	}
	// Shedding keys on active workers only. Queued requests are already
	// bounded by the queue caps and must not push the pool into shedding.
	if p.activeRequests >= p.cfg.LoadShedThreshold {
		atomic.AddInt64(&p.counters.queueRejectedShedding, 1)
		return newLimitError(CodeLoadShed, "pool is shedding load",
			p.cfg.LoadShedThreshold, p.activeRequests)
	}
	if depth := p.queue.depthOwner(req.ownerKey); depth >= p.cfg.MaxQueuedPerUser {
		atomic.AddInt64(&p.counters.queueRejectedUser, 1)
		return newLimitError(CodeUserLimit, "user queue is full",
			p.cfg.MaxQueuedPerUser, depth)
	}
	if depth := p.queue.depthWorkspace(req.workspaceKey()); depth >= p.cfg.MaxQueuedPerWorkspace {
		atomic.AddInt64(&p.counters.queueRejectedWorkspace, 1)
		return newLimitError(CodeWorkspaceLimit, "workspace queue is full",
			p.cfg.MaxQueuedPerWorkspace, depth)
	}
	return nil
}

// idleWorkerLocked finds a READY worker for the workspace that is not about
// to be recycled.
func (p *WorkerPool) idleWorkerLocked(workspaceKey string) *workerHandle {
	for _, h := range p.workers {
		if h.workspaceKey == workspaceKey && h.state == StateReady &&
			!h.retireWhenIdle && h.active == nil && h.pending == nil {
			return h
		}
	}
	return nil
}

// evictionCandidateLocked picks an idle worker of another workspace to evict,
// per the configured strategy. Returns nil when no worker is evictable.
func (p *WorkerPool) evictionCandidateLocked(excludeWorkspace string) *workerHandle {
	var best *workerHandle
	for _, h := range p.workers {
		if h.state != StateReady || h.workspaceKey == excludeWorkspace ||
			h.active != nil || h.pending != nil {
			continue
		}
		if best == nil {
			best = h
			continue
		}
		switch p.cfg.EvictionStrategy {
		case EvictOldest:
			if h.createdAt.Before(best.createdAt) {
				best = h
			}
		case EvictLeastUsed:
			if h.queriesProcessed < best.queriesProcessed ||
				(h.queriesProcessed == best.queriesProcessed && h.createdAt.Before(best.createdAt)) {
				best = h
			}
		default: // EvictLRU
			if h.lastActivityAt.Before(best.lastActivityAt) {
				best = h
			}
		}
	}
	return best
}

// spawnLocked launches a new worker for the request's workspace with the
// request pinned to it; the pin is dispatched when the worker reports ready.
// The pinned request counts against the active caps from this moment.
func (p *WorkerPool) spawnLocked(req *request) (*workerHandle, *PoolError) {
	h := newWorkerHandle(p, req.creds)
	if err := h.start(req.ctx); err != nil {
		return nil, &PoolError{Code: CodeSpawnFailed, Message: "failed to spawn worker", Err: err}
	}
	h.pending = req
	p.incrementActiveLocked(req)
	p.workers[h.id] = h
	atomic.AddInt64(&p.counters.spawned, 1)
	return h, nil
}

// assignLocked hands an idle worker the request. Counters are adjusted
// before the query is sent so caps can never be transiently exceeded.
func (p *WorkerPool) assignLocked(h *workerHandle, req *request) {
	now := time.Now()
	h.active = req
	h.state = StateBusy
	h.cancelSent = false
	h.lastActivityAt = now
	req.assignedAt = now
	p.incrementActiveLocked(req)
}

func (p *WorkerPool) incrementActiveLocked(req *request) {
	p.activeByOwner[req.ownerKey]++
	p.activeByWorkspace[req.workspaceKey()]++
	p.activeRequests++
}

func (p *WorkerPool) decrementActiveLocked(req *request) {
	if n := p.activeByOwner[req.ownerKey] - 1; n > 0 {
		p.activeByOwner[req.ownerKey] = n
	} else {
		delete(p.activeByOwner, req.ownerKey)
	}
	ws := req.workspaceKey()
	if n := p.activeByWorkspace[ws] - 1; n > 0 {
		p.activeByWorkspace[ws] = n
	} else {
		delete(p.activeByWorkspace, ws)
	}
	p.activeRequests--
}

// clearAssignmentLocked detaches the worker's current request (active or
// pinned) and releases its slot in the active counters. Each assignment is
// cleared exactly once.
func (p *WorkerPool) clearAssignmentLocked(h *workerHandle) *request {
	req := h.active
	if req == nil {
		req = h.pending
	}
	if req == nil {
		return nil
	}
	h.active = nil
	h.pending = nil
	if h.cancelTimer != nil {
		h.cancelTimer.Stop()
		h.cancelTimer = nil
	}
	p.decrementActiveLocked(req)
	return req
}

// dequeueForLocked pulls the next runnable queued request for the worker's
// workspace and assigns it, honoring the per-tenant active caps.
func (p *WorkerPool) dequeueForLocked(h *workerHandle) *request {
	ws := h.workspaceKey
	for {
		req := p.queue.pop(ws, func(r *request) bool {
			return p.activeByOwner[r.ownerKey] < p.cfg.MaxWorkersPerUser &&
				p.activeByWorkspace[ws] < p.cfg.MaxWorkersPerWorkspace
		})
		if req == nil {
			return nil
		}
		if req.isSettled() {
			continue
		}
		p.assignLocked(h, req)
		return req
	}
}

// pumpLocked moves queued work onto free capacity after something was
// released: idle workers pick up their workspace's backlog, and new workers
// are spawned for workspaces without one, evicting an idle worker of another
// workspace when the fleet is full. Returns the sends, settlements, and
// events to run after the lock is dropped.
func (p *WorkerPool) pumpLocked() []func() {
	if p.shuttingDown {
		return nil
	}
	var posts []func()
	for {
		progressed := false
		for ws := range p.queue.workspaces {
			if h := p.idleWorkerLocked(ws); h != nil {
				req := p.dequeueForLocked(h)
				if req == nil {
					continue
				}
				posts = append(posts, func() {
					p.emitWorkerBusy(h, req)
					p.sendQueryTo(h, req)
				})
				progressed = true
				continue
			}

			// A full fleet gets the same treatment as dispatch-time eviction:
			// queued work must not wait on the reaper while an idle worker of
			// another workspace holds the slot.
			var victim *workerHandle
			if len(p.workers) >= p.cfg.MaxWorkers {
				if victim = p.evictionCandidateLocked(ws); victim == nil {
					continue
				}
			}
			req := p.queue.pop(ws, func(r *request) bool {
				return p.activeByOwner[r.ownerKey] < p.cfg.MaxWorkersPerUser &&
					p.activeByWorkspace[ws] < p.cfg.MaxWorkersPerWorkspace
			})
			if req == nil {
				continue
			}
			if req.isSettled() {
				progressed = true
				continue
			}
			if victim != nil {
				atomic.AddInt64(&p.counters.evicted, 1)
				p.log.Info("evicting idle worker for queued workspace",
					zap.String("victim_workspace", victim.workspaceKey),
					zap.String("workspace_key", ws))
				posts = append(posts, p.destroyWorkerLocked(victim, "evicted", nil))
			}
			h, perr := p.spawnLocked(req)
			if perr != nil {
				posts = append(posts, func() {
					if req.settle(nil, perr) {
						p.emitRequestFailed(req, perr)
					}
				})
				progressed = true
				continue
			}
			posts = append(posts, func() {
				p.emitWorkerSpawned(h)
			})
			progressed = true
		}
		if !progressed {
			return posts
		}
	}
}

// sendQueryTo delivers the assigned query to the worker. A write failure
// means the worker is unreachable, which tears it down and fails the request.
func (p *WorkerPool) sendQueryTo(h *workerHandle, req *request) {
	_, span := tracing.TraceDispatch(req.ctx, req.id, h.id, h.proc.Pid())
	defer span.End()

	p.recordClaim(req)
	err := h.send(wire.NewQuery(req.id, req.payload))
	tracing.TraceDispatchResult(span, err)
	if err != nil {
		atomic.AddInt64(&p.counters.socketErrors, 1)
		h.log.WithRequestID(req.id).Error("failed to deliver query", zap.Error(err))
		p.destroyWorker(h, "send_failed", &PoolError{
			Code: CodeWorkerCrashed, Message: "failed to deliver query to worker", Err: err,
		})
	}
}

// handleWorkerReady runs when the worker's ready message arrives: dispatch
// the pinned request if one is waiting, otherwise pull from the queue.
func (p *WorkerPool) handleWorkerReady(h *workerHandle) {
	p.mu.Lock()
	if h.state != StateStarting {
		state := h.state
		p.mu.Unlock()
		h.log.Warn("unexpected ready message", zap.String("state", string(state)))
		return
	}
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
	h.state = StateReady
	h.lastActivityAt = time.Now()

	var next *request
	if h.pending != nil {
		// Promote the pinned request; its slot was counted at spawn time.
		next = h.pending
		h.pending = nil
		h.active = next
		h.state = StateBusy
		h.cancelSent = false
		next.assignedAt = time.Now()
	} else if !p.shuttingDown {
		next = p.dequeueForLocked(h)
	}
	p.mu.Unlock()

	h.log.Info("worker ready")
	p.emitWorkerReady(h)
	if next != nil {
		p.emitWorkerBusy(h, next)
		p.sendQueryTo(h, next)
	}
}

// handleReadyTimeout fires when a worker never reports ready in time.
func (p *WorkerPool) handleReadyTimeout(h *workerHandle) {
	p.mu.Lock()
	starting := h.state == StateStarting
	p.mu.Unlock()
	if !starting {
		return
	}
	h.log.Error("worker did not become ready before the deadline")
	p.destroyWorker(h, "ready_timeout", &PoolError{
		Code: CodeReadyTimeout, Message: "worker did not become ready before the deadline",
	})
}

// handleWorkerComplete settles the active request with its success outcome
// and decides the worker's next state.
func (p *WorkerPool) handleWorkerComplete(h *workerHandle, m wire.Complete) {
	res := &QueryResult{
		Success:       true,
		Cancelled:     m.Result.Cancelled,
		TotalMessages: m.Result.TotalMessages,
		Result:        m.Result.Result,
	}
	p.finishActive(h, m.RequestID, res, nil)
}

// handleWorkerError settles the active request with the worker-reported
// failure. The worker itself stays usable: an agent error does not poison
// the process unless a cancellation was in flight.
func (p *WorkerPool) handleWorkerError(h *workerHandle, m wire.WorkerError) {
	code := CodeAgentRuntimeError
	if m.Code != "" {
		code = Code(m.Code)
	}
	perr := &PoolError{Code: code, Message: m.Error, Stack: m.Stack, Stderr: m.Stderr}
	p.finishActive(h, m.RequestID, nil, perr)
}

// finishActive is the shared terminal path for complete and error messages.
func (p *WorkerPool) finishActive(h *workerHandle, requestID string, res *QueryResult, perr *PoolError) {
	p.mu.Lock()
	req := h.active
	if req == nil || req.id != requestID {
		p.mu.Unlock()
		h.log.Warn("terminal message for unknown request", zap.String("request_id", requestID))
		return
	}
	wasCancelled := h.cancelSent
	h.cancelSent = false
	p.clearAssignmentLocked(h)
	h.queriesProcessed++
	h.lastActivityAt = time.Now()

	retire := false
	retireReason := ""
	switch {
	case h.state == StateShuttingDown:
		// Graceful shutdown is draining this worker; its retirement is
		// already owned elsewhere.
	case wasCancelled:
		retire = true
		retireReason = "retired_after_cancel"
		h.state = StateShuttingDown
		atomic.AddInt64(&p.counters.retiredAfterCancel, 1)
	case h.retireWhenIdle:
		retire = true
		retireReason = "max_age"
		h.state = StateShuttingDown
	default:
		h.state = StateReady
	}

	var next *request
	if h.state == StateReady && !p.shuttingDown {
		next = p.dequeueForLocked(h)
	}
	posts := p.pumpLocked()
	p.mu.Unlock()

	if wasCancelled {
		// The caller asked for cancellation; a runtime error produced while
		// aborting is expected collateral, not a failure.
		res, perr = cancelledResult(), nil
	}
	p.releaseClaim(req)
	if perr != nil {
		req.settle(nil, perr)
		p.emitRequestFailed(req, perr)
	} else {
		req.settle(res, nil)
		p.emitRequestCompleted(req, res)
	}

	if next != nil {
		p.emitWorkerBusy(h, next)
		p.sendQueryTo(h, next)
	} else if !retire {
		p.emitWorkerIdle(h)
	}
	if retire {
		go p.retireWorker(context.Background(), h, retireReason)
	}
	for _, post := range posts {
		post()
	}
}

// cancelRequest drives caller-initiated cancellation. Queued and pinned
// requests settle immediately without worker contact; active ones get a
// cooperative cancel bounded by the cancel timeout. Idempotent.
func (p *WorkerPool) cancelRequest(req *request) {
	p.mu.Lock()
	if req.isSettled() {
		p.mu.Unlock()
		return
	}

	if p.queue.remove(req) {
		p.mu.Unlock()
		res := cancelledResult()
		if req.settle(res, nil) {
			p.emitRequestCompleted(req, res)
		}
		return
	}

	for _, h := range p.workers {
		if h.pending == req {
			// The worker is still starting; release the pin and let it come
			// up idle.
			p.clearAssignmentLocked(h)
			p.mu.Unlock()
			res := cancelledResult()
			if req.settle(res, nil) {
				p.emitRequestCompleted(req, res)
			}
			return
		}
	}

	for _, h := range p.workers {
		if h.active != req {
			continue
		}
		if h.cancelSent {
			p.mu.Unlock()
			return
		}
		h.cancelSent = true
		handle := h
		h.cancelTimer = time.AfterFunc(p.cfg.CancelTimeout, func() {
			p.handleCancelTimeout(handle, req)
		})
		p.mu.Unlock()

		handle.log.Info("cancelling in-flight request", zap.String("request_id", req.id))
		if err := handle.send(wire.NewCancel(req.id)); err != nil {
			p.destroyWorker(handle, "cancel_send_failed", &PoolError{
				Code: CodeWorkerKilled, Message: "worker unreachable during cancellation", Err: err,
			})
		}
		return
	}

	p.mu.Unlock()
}

// handleCancelTimeout force-terminates a worker that ignored a cancel.
func (p *WorkerPool) handleCancelTimeout(h *workerHandle, req *request) {
	p.mu.Lock()
	stale := h.state == StateDead || h.active != req
	p.mu.Unlock()
	if stale || req.isSettled() {
		return
	}
	h.log.Warn("worker ignored cancellation, force-terminating", zap.String("request_id", req.id))
	p.destroyWorker(h, "cancel_timeout", &PoolError{
		Code: CodeWorkerKilled, Message: "worker was terminated after ignoring cancellation",
	})
}

// handleSocketClosed runs when the worker's connection drops. For a live
// worker that is a crash; for one already shutting down it is the expected
// end of stream.
func (p *WorkerPool) handleSocketClosed(h *workerHandle, err error) {
	p.mu.Lock()
	dead := h.state == StateDead
	p.mu.Unlock()
	if dead {
		return
	}
	h.log.Warn("worker socket closed", zap.Error(err))
	p.destroyWorker(h, "socket_closed", nil)
}

// handleSocketError runs on fatal socket faults, including oversized frames.
func (p *WorkerPool) handleSocketError(h *workerHandle, err error) {
	atomic.AddInt64(&p.counters.socketErrors, 1)
	h.log.Error("worker socket failure", zap.Error(err))
	p.destroyWorker(h, "socket_error", &PoolError{
		Code: CodeWorkerCrashed, Message: "worker connection failed", Err: err,
	})
}

// handleWorkerExit runs when the child process is reaped.
func (p *WorkerPool) handleWorkerExit(h *workerHandle, exitErr error) {
	p.mu.Lock()
	dead := h.state == StateDead
	p.mu.Unlock()
	if dead {
		return
	}
	if exitErr != nil {
		h.log.Warn("worker exited", zap.Error(exitErr))
	} else {
		h.log.Debug("worker exited cleanly")
	}
	p.destroyWorker(h, "exited", nil)
}

// destroyWorker tears a worker down immediately and backfills the freed
// capacity from the queue.
func (p *WorkerPool) destroyWorker(h *workerHandle, reason string, cause *PoolError) {
	p.mu.Lock()
	post := p.destroyWorkerLocked(h, reason, cause)
	pumps := p.pumpLocked()
	p.mu.Unlock()
	post()
	for _, f := range pumps {
		f()
	}
}

// destroyWorkerLocked transitions the worker to DEAD and removes it from the
// fleet. It returns the cleanup that must run outside the lock, in order:
// close the socket and remove its file, fail any unsettled request, signal
// the process group (SIGTERM, then SIGKILL after the grace period), publish
// events. Idempotent: a dead worker yields a no-op.
func (p *WorkerPool) destroyWorkerLocked(h *workerHandle, reason string, cause *PoolError) func() {
	if h.state == StateDead {
		return func() {}
	}
	prev := h.state
	h.state = StateDead
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
	orphaned := p.clearAssignmentLocked(h)
	delete(p.workers, h.id)

	if cause == nil {
		if prev == StateStarting {
			cause = &PoolError{Code: CodeSpawnFailed, Message: "worker exited before becoming ready"}
		} else {
			cause = &PoolError{Code: CodeWorkerCrashed, Message: "worker terminated unexpectedly"}
		}
	}
	crashed := prev != StateShuttingDown &&
		(reason == "exited" || reason == "socket_closed" || reason == "socket_error")

	return func() {
		h.closeSocket()
		if orphaned != nil {
			p.releaseClaim(orphaned)
			orphaned.settle(nil, cause)
		}
		select {
		case <-h.proc.Done():
			// Already gone; nothing to signal.
		default:
			h.forceTerminate()
		}
		if crashed {
			p.emitWorkerCrashed(h, reason)
		}
		p.emitWorkerTerminated(h, reason)
		if orphaned != nil {
			p.emitRequestFailed(orphaned, cause)
		}
		h.log.Info("worker destroyed",
			zap.String("reason", reason),
			zap.String("previous_state", string(prev)))
	}
}

// retireWorker drains one worker gracefully: shutdown message, wait for the
// ack and process exit bounded by the shutdown timeout, then hard teardown.
func (p *WorkerPool) retireWorker(ctx context.Context, h *workerHandle, reason string) {
	p.mu.Lock()
	if h.state == StateDead {
		p.mu.Unlock()
		return
	}
	h.state = StateShuttingDown
	p.mu.Unlock()

	if err := h.send(wire.NewShutdown(true)); err == nil {
		timeout := time.NewTimer(p.cfg.ShutdownTimeout)
		select {
		case <-h.shutdownAck:
			// Acked; give it a moment to actually exit.
			grace := time.NewTimer(p.cfg.KillGrace)
			select {
			case <-h.proc.Done():
			case <-grace.C:
			case <-ctx.Done():
			}
			grace.Stop()
		case <-h.proc.Done():
		case <-timeout.C:
			h.log.Warn("worker ignored graceful shutdown")
		case <-ctx.Done():
		}
		timeout.Stop()
	}
	p.destroyWorker(h, reason, nil)
}

// ShutdownAll drains the whole pool: queued requests are rejected, every
// worker gets a graceful shutdown, and stragglers are force-terminated.
// Subsequent calls return immediately.
func (p *WorkerPool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	queued := p.queue.drain()
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	p.log.Info("shutting down pool",
		zap.Int("workers", len(handles)),
		zap.Int("queued", len(queued)))

	rejection := &PoolError{Code: CodeShuttingDown, Message: "pool is shutting down"}
	for _, req := range queued {
		if req.settle(nil, rejection) {
			p.emitRequestRejected(req, rejection)
		}
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *workerHandle) {
			defer wg.Done()
			p.retireWorker(ctx, h, "shutdown")
		}(h)
	}
	wg.Wait()

	p.log.Info("pool shut down")
	return nil
}

// Stats snapshots the pool.
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalWorkers:      len(p.workers),
		QueuedRequests:    p.queue.depth(),
		ActiveRequests:    p.activeRequests,
		ActiveByOwner:     make(map[string]int, len(p.activeByOwner)),
		ActiveByWorkspace: make(map[string]int, len(p.activeByWorkspace)),
		Counters:          p.counters.snapshot(),
	}
	for k, v := range p.activeByOwner {
		s.ActiveByOwner[k] = v
	}
	for k, v := range p.activeByWorkspace {
		s.ActiveByWorkspace[k] = v
	}
	for _, h := range p.workers {
		switch h.state {
		case StateReady:
			s.ReadyWorkers++
		case StateBusy:
			s.BusyWorkers++
		}
	}
	return s
}

// QueueStats snapshots the wait queue's depths.
func (p *WorkerPool) QueueStats() QueueStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.snapshot()
}

// Workers lists every live worker, oldest first.
func (p *WorkerPool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, h.infoLocked(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WorkersFor lists the workspace's live workers, oldest first.
func (p *WorkerPool) WorkersFor(workspaceKey string) []WorkerInfo {
	all := p.Workers()
	out := all[:0]
	for _, info := range all {
		if info.WorkspaceKey == workspaceKey {
			out = append(out, info)
		}
	}
	return out
}

// PingWorker round-trips a health check through one live worker of the
// workspace.
func (p *WorkerPool) PingWorker(ctx context.Context, workspaceKey string) (wire.HealthOK, error) {
	p.mu.Lock()
	var target *workerHandle
	for _, h := range p.workers {
		if h.workspaceKey == workspaceKey && (h.state == StateReady || h.state == StateBusy) {
			target = h
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return wire.HealthOK{}, fmt.Errorf("no live worker for workspace %q", workspaceKey)
	}
	return target.ping(ctx)
}
