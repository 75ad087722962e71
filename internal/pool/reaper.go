package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
)

// Reaper runs the pool's periodic maintenance: recycling workers that sat
// idle past the inactivity timeout or outlived their max age, and sweeping
// socket files orphaned by crashed pool processes.
type Reaper struct {
	pool   *WorkerPool
	log    *logger.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewReaper(p *WorkerPool, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.Default()
	}
	return &Reaper{
		pool:   p,
		log:    log.WithFields(zap.String("component", "reaper")),
		stopCh: make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
	r.log.Info("reaper started",
		zap.Duration("interval", r.pool.cfg.OrphanSweepInterval),
		zap.Duration("inactivity_timeout", r.pool.cfg.InactivityTimeout),
		zap.Duration("max_age", r.pool.cfg.MaxAge))
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.log.Info("reaper stopped")
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pool.cfg.OrphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// sweep runs one maintenance pass.
func (r *Reaper) sweep(now time.Time) {
	r.reapVanished()
	r.recycleWorkers(now)
	r.sweepOrphanSockets(now)
}

// reapVanished destroys tracked workers whose process is gone. Exits are
// normally observed by the handle's exit watcher; probing the pid with
// signal 0 catches workers whose notification never arrived, such as when a
// grandchild holds the stderr pipe open and stalls process reaping.
func (r *Reaper) reapVanished() {
	p := r.pool

	p.mu.Lock()
	var vanished []*workerHandle
	for _, h := range p.workers {
		if h.state == StateDead || h.proc == nil {
			continue
		}
		select {
		case <-h.proc.Done():
			// The exit watcher owns this one.
			continue
		default:
		}
		if err := syscall.Kill(h.proc.Pid(), 0); errors.Is(err, syscall.ESRCH) {
			vanished = append(vanished, h)
		}
	}
	p.mu.Unlock()

	for _, h := range vanished {
		r.log.Warn("worker process vanished without an exit notification",
			zap.String("worker_id", h.id),
			zap.String("workspace_key", h.workspaceKey),
			zap.Int("pid", h.proc.Pid()))
		p.destroyWorker(h, "vanished", &PoolError{
			Code:    CodeWorkerCrashed,
			Message: "worker process vanished",
		})
	}
}

// recycleWorkers retires idle workers past the inactivity timeout and ready
// workers past max age. Busy workers past max age are marked to retire when
// their current query finishes; in-flight work is never interrupted.
func (r *Reaper) recycleWorkers(now time.Time) {
	p := r.pool
	var idle, aged []*workerHandle
	var marked []string

	p.mu.Lock()
	for _, h := range p.workers {
		switch h.state {
		case StateReady:
			if now.Sub(h.createdAt) >= p.cfg.MaxAge {
				aged = append(aged, h)
			} else if now.Sub(h.lastActivityAt) >= p.cfg.InactivityTimeout {
				idle = append(idle, h)
			}
		case StateBusy:
			if now.Sub(h.createdAt) >= p.cfg.MaxAge && !h.retireWhenIdle {
				h.retireWhenIdle = true
				marked = append(marked, h.id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range marked {
		r.log.Info("busy worker past max age, will retire when idle", zap.String("worker_id", id))
	}
	for _, h := range aged {
		r.log.Info("retiring worker past max age",
			zap.String("worker_id", h.id),
			zap.String("workspace_key", h.workspaceKey))
		go p.retireWorker(context.Background(), h, "max_age")
	}
	for _, h := range idle {
		r.log.Info("retiring idle worker",
			zap.String("worker_id", h.id),
			zap.String("workspace_key", h.workspaceKey))
		go p.retireWorker(context.Background(), h, "idle_timeout")
	}
}

// sweepOrphanSockets removes socket files in the socket directory that no
// live worker owns and that have been untouched longer than the orphan max
// age. The age guard keeps a concurrent spawn's fresh socket safe.
func (r *Reaper) sweepOrphanSockets(now time.Time) {
	p := r.pool
	entries, err := os.ReadDir(p.cfg.SocketDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Debug("socket dir scan failed", zap.Error(err))
		}
		return
	}

	p.mu.Lock()
	live := make(map[string]struct{}, len(p.workers))
	for _, h := range p.workers {
		live[filepath.Base(h.socketPath)] = struct{}{}
	}
	p.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < p.cfg.OrphanMaxAge {
			continue
		}
		path := filepath.Join(p.cfg.SocketDir, name)
		if err := os.Remove(path); err == nil {
			r.log.Warn("removed orphaned worker socket", zap.String("path", path))
		}
	}
}
