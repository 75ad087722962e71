package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// claimTimeout bounds the metadata-database round trip so a slow or down
// database can never stall dispatch or settlement.
const claimTimeout = 2 * time.Second

// ClaimRecorder mirrors the workspace-claim surface of the deployment's
// metadata database. Claims are write-through bookkeeping for external
// readers; they are never consulted for scheduling.
type ClaimRecorder interface {
	Claim(ctx context.Context, workspaceKey string) (bool, error)
	Release(ctx context.Context, workspaceKey string) error
}

// SetClaims attaches a claim recorder. Call before the first Query; a nil
// recorder (the default) disables claim bookkeeping.
func (p *WorkerPool) SetClaims(c ClaimRecorder) {
	p.claims = c
}

// recordClaim marks the request's workspace as running. A losing
// compare-and-set means a stale claim from a crashed process (or a sibling
// worker when per-workspace concurrency is raised); both are logged and
// tolerated.
func (p *WorkerPool) recordClaim(req *request) {
	if p.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()

	ws := req.workspaceKey()
	ok, err := p.claims.Claim(ctx, ws)
	switch {
	case err != nil:
		p.log.WithRequestID(req.id).Warn("workspace claim failed", zap.Error(err))
	case !ok:
		p.log.WithRequestID(req.id).Warn("workspace already claimed, continuing",
			zap.String("workspace_key", ws))
	default:
		req.claimed.Store(true)
	}
}

// releaseClaim clears the claim taken at dispatch. Requests that never
// dispatched (queued or pinned cancellations) hold no claim and skip the
// round trip.
func (p *WorkerPool) releaseClaim(req *request) {
	if p.claims == nil || !req.claimed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()

	if err := p.claims.Release(ctx, req.workspaceKey()); err != nil {
		p.log.WithRequestID(req.id).Warn("workspace claim release failed", zap.Error(err))
	}
}
