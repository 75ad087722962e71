package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/events"
	"github.com/alivehq/agentpool/internal/events/bus"
)

// publish sends one lifecycle event on the bus. Always called outside the
// pool lock: on the in-memory bus subscribers run inline, and some of them
// read pool state.
func (p *WorkerPool) publish(eventType string, data map[string]interface{}) {
	ev := bus.NewEvent(eventType, "pool", data)
	if err := p.bus.Publish(context.Background(), events.SubjectFor(eventType), ev); err != nil {
		p.log.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (p *WorkerPool) emitWorkerSpawned(h *workerHandle) {
	p.publish(events.WorkerSpawned, map[string]interface{}{
		"worker_id":     h.id,
		"workspace_key": h.workspaceKey,
		"pid":           h.proc.Pid(),
		"uid":           h.creds.UID,
		"gid":           h.creds.GID,
	})
}

func (p *WorkerPool) emitWorkerReady(h *workerHandle) {
	p.publish(events.WorkerReady, map[string]interface{}{
		"worker_id":     h.id,
		"workspace_key": h.workspaceKey,
		"pid":           h.proc.Pid(),
	})
}

func (p *WorkerPool) emitWorkerBusy(h *workerHandle, req *request) {
	p.publish(events.WorkerBusy, map[string]interface{}{
		"worker_id":     h.id,
		"workspace_key": h.workspaceKey,
		"request_id":    req.id,
		"owner_key":     req.ownerKey,
	})
}

func (p *WorkerPool) emitWorkerIdle(h *workerHandle) {
	p.publish(events.WorkerIdle, map[string]interface{}{
		"worker_id":         h.id,
		"workspace_key":     h.workspaceKey,
		"queries_processed": h.queriesProcessed,
	})
}

func (p *WorkerPool) emitWorkerCrashed(h *workerHandle, reason string) {
	p.publish(events.WorkerCrashed, map[string]interface{}{
		"worker_id":     h.id,
		"workspace_key": h.workspaceKey,
		"pid":           h.proc.Pid(),
		"reason":        reason,
	})
}

func (p *WorkerPool) emitWorkerTerminated(h *workerHandle, reason string) {
	p.publish(events.WorkerTerminated, map[string]interface{}{
		"worker_id":     h.id,
		"workspace_key": h.workspaceKey,
		"pid":           h.proc.Pid(),
		"reason":        reason,
	})
}

func (p *WorkerPool) emitRequestAdmitted(req *request, h *workerHandle) {
	p.publish(events.RequestAdmitted, map[string]interface{}{
		"request_id":    req.id,
		"owner_key":     req.ownerKey,
		"workspace_key": req.workspaceKey(),
		"worker_id":     h.id,
	})
}

func (p *WorkerPool) emitRequestQueued(req *request, depth int) {
	p.publish(events.RequestQueued, map[string]interface{}{
		"request_id":    req.id,
		"owner_key":     req.ownerKey,
		"workspace_key": req.workspaceKey(),
		"queue_depth":   depth,
	})
}

func (p *WorkerPool) emitRequestRejected(req *request, perr *PoolError) {
	p.publish(events.RequestRejected, map[string]interface{}{
		"request_id":    req.id,
		"owner_key":     req.ownerKey,
		"workspace_key": req.workspaceKey(),
		"code":          string(perr.Code),
		"limit":         perr.Limit,
		"current":       perr.Current,
	})
}

func (p *WorkerPool) emitRequestCompleted(req *request, res *QueryResult) {
	p.publish(events.RequestCompleted, map[string]interface{}{
		"request_id":     req.id,
		"owner_key":      req.ownerKey,
		"workspace_key":  req.workspaceKey(),
		"cancelled":      res.Cancelled,
		"total_messages": res.TotalMessages,
	})
}

func (p *WorkerPool) emitRequestFailed(req *request, perr *PoolError) {
	p.publish(events.RequestFailed, map[string]interface{}{
		"request_id":    req.id,
		"owner_key":     req.ownerKey,
		"workspace_key": req.workspaceKey(),
		"code":          string(perr.Code),
		"error":         perr.Message,
	})
}
