package pool

// waitQueue holds admitted requests waiting for a worker slot. Entries are
// strict FIFO per (owner, workspace); draining rotates across the owners
// within a workspace so one noisy owner cannot starve the others sharing it.
//
// waitQueue is not self-locking: callers hold the pool lock across every
// method, because admission decisions read queue depths and pool state
// together.
type waitQueue struct {
	workspaces map[string]*workspaceQueue
	ownerDepth map[string]int // queued entries per owner, across workspaces
	total      int
}

// workspaceQueue is the per-workspace slice of the wait queue.
type workspaceQueue struct {
	fifos    map[string][]*request // per-owner FIFO
	rotation []string              // owners with queued entries, first-seen order
	next     int                   // rotation cursor
	size     int
}

func newWaitQueue() *waitQueue {
	return &waitQueue{
		workspaces: make(map[string]*workspaceQueue),
		ownerDepth: make(map[string]int),
	}
}

// push appends the request to its owner's FIFO.
func (q *waitQueue) push(req *request) {
	ws := req.workspaceKey()
	wq, ok := q.workspaces[ws]
	if !ok {
		wq = &workspaceQueue{fifos: make(map[string][]*request)}
		q.workspaces[ws] = wq
	}
	if _, ok := wq.fifos[req.ownerKey]; !ok {
		wq.rotation = append(wq.rotation, req.ownerKey)
	}
	wq.fifos[req.ownerKey] = append(wq.fifos[req.ownerKey], req)
	wq.size++
	q.ownerDepth[req.ownerKey]++
	q.total++
}

// pop yields the next request for the workspace by round-robin across owners,
// skipping owners whose head entry fails the eligibility check. Returns nil
// when nothing eligible is queued.
func (q *waitQueue) pop(workspaceKey string, eligible func(*request) bool) *request {
	wq, ok := q.workspaces[workspaceKey]
	if !ok || wq.size == 0 {
		return nil
	}

	n := len(wq.rotation)
	for i := 0; i < n; i++ {
		idx := (wq.next + i) % n
		owner := wq.rotation[idx]
		fifo := wq.fifos[owner]
		if len(fifo) == 0 {
			continue
		}
		head := fifo[0]
		if eligible != nil && !eligible(head) {
			continue
		}

		// Dequeue the head of this owner's FIFO.
		wq.fifos[owner] = fifo[1:]
		wq.size--
		q.ownerDepth[owner]--
		if q.ownerDepth[owner] <= 0 {
			delete(q.ownerDepth, owner)
		}
		q.total--

		if len(wq.fifos[owner]) == 0 {
			delete(wq.fifos, owner)
			wq.rotation = append(wq.rotation[:idx], wq.rotation[idx+1:]...)
			if len(wq.rotation) == 0 {
				wq.next = 0
			} else {
				wq.next = idx % len(wq.rotation)
			}
		} else {
			wq.next = (idx + 1) % len(wq.rotation)
		}

		if wq.size == 0 {
			delete(q.workspaces, workspaceKey)
		}
		return head
	}
	return nil
}

// remove deletes a specific queued request in place, for pre-dispatch
// cancellation. Reports whether the request was found.
func (q *waitQueue) remove(req *request) bool {
	ws := req.workspaceKey()
	wq, ok := q.workspaces[ws]
	if !ok {
		return false
	}
	fifo, ok := wq.fifos[req.ownerKey]
	if !ok {
		return false
	}
	for i, queued := range fifo {
		if queued != req {
			continue
		}
		wq.fifos[req.ownerKey] = append(fifo[:i], fifo[i+1:]...)
		wq.size--
		q.ownerDepth[req.ownerKey]--
		if q.ownerDepth[req.ownerKey] <= 0 {
			delete(q.ownerDepth, req.ownerKey)
		}
		q.total--

		if len(wq.fifos[req.ownerKey]) == 0 {
			delete(wq.fifos, req.ownerKey)
			for j, owner := range wq.rotation {
				if owner == req.ownerKey {
					wq.rotation = append(wq.rotation[:j], wq.rotation[j+1:]...)
					if j < wq.next {
						wq.next--
					}
					if len(wq.rotation) == 0 {
						wq.next = 0
					} else {
						wq.next %= len(wq.rotation)
					}
					break
				}
			}
		}
		if wq.size == 0 {
			delete(q.workspaces, ws)
		}
		return true
	}
	return false
}

// drain removes and returns every queued request, for pool shutdown.
func (q *waitQueue) drain() []*request {
	var out []*request
	for _, wq := range q.workspaces {
		for _, owner := range wq.rotation {
			out = append(out, wq.fifos[owner]...)
		}
	}
	q.workspaces = make(map[string]*workspaceQueue)
	q.ownerDepth = make(map[string]int)
	q.total = 0
	return out
}

// depth returns the total number of queued requests.
func (q *waitQueue) depth() int {
	return q.total
}

// snapshot copies the queue depths for reporting.
func (q *waitQueue) snapshot() QueueStats {
	s := QueueStats{
		Depth:       q.total,
		ByWorkspace: make(map[string]int, len(q.workspaces)),
		ByOwner:     make(map[string]int, len(q.ownerDepth)),
	}
	for ws, wq := range q.workspaces {
		s.ByWorkspace[ws] = wq.size
	}
	for owner, n := range q.ownerDepth {
		s.ByOwner[owner] = n
	}
	return s
}

// depthOwner returns the number of queued requests for one owner.
func (q *waitQueue) depthOwner(ownerKey string) int {
	return q.ownerDepth[ownerKey]
}

// depthWorkspace returns the number of queued requests for one workspace.
func (q *waitQueue) depthWorkspace(workspaceKey string) int {
	if wq, ok := q.workspaces[workspaceKey]; ok {
		return wq.size
	}
	return 0
}
