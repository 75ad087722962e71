package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
)

var (
	globalMu   sync.Mutex
	globalPool *WorkerPool
)

// Init creates the process-wide pool. A second Init without an intervening
// Reset is an error; callers that just need the pool use Get.
func Init(cfg Config, eventBus bus.EventBus, launch LaunchFunc, log *logger.Logger) (*WorkerPool, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalPool != nil {
		return nil, fmt.Errorf("pool already initialized")
	}
	p, err := NewWorkerPool(cfg, eventBus, launch, log)
	if err != nil {
		return nil, err
	}
	globalPool = p
	return p, nil
}

// Get returns the process-wide pool, or nil before Init.
func Get() *WorkerPool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalPool
}

// Reset shuts the process-wide pool down and forgets it, so a fresh Init can
// follow. Used by tests.
func Reset(ctx context.Context) error {
	globalMu.Lock()
	p := globalPool
	globalPool = nil
	globalMu.Unlock()
	if p == nil {
		return nil
	}
	return p.ShutdownAll(ctx)
}
