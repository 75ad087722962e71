package pool

import (
	"context"
	"testing"
)

func queuedReq(id, owner, workspace string) *request {
	creds := WorkspaceCredentials{UID: 1000, GID: 1000, Cwd: "/tmp", WorkspaceKey: workspace}
	return newRequest(context.Background(), creds, QueryOptions{RequestID: id, OwnerKey: owner})
}

func TestWaitQueuePushPop(t *testing.T) {
	q := newWaitQueue()

	if got := q.pop("ws-1", nil); got != nil {
		t.Fatalf("pop on empty queue = %v, want nil", got)
	}

	req := queuedReq("r1", "alice", "ws-1")
	q.push(req)
	if q.depth() != 1 {
		t.Errorf("depth = %d, want 1", q.depth())
	}

	got := q.pop("ws-1", nil)
	if got != req {
		t.Fatalf("pop = %v, want r1", got)
	}
	if q.depth() != 0 {
		t.Errorf("depth after pop = %d, want 0", q.depth())
	}
}

func TestWaitQueueFIFOPerOwner(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("r1", "alice", "ws-1"))
	q.push(queuedReq("r2", "alice", "ws-1"))
	q.push(queuedReq("r3", "alice", "ws-1"))

	for _, want := range []string{"r1", "r2", "r3"} {
		got := q.pop("ws-1", nil)
		if got == nil || got.id != want {
			t.Fatalf("pop = %v, want %s", got, want)
		}
	}
}

func TestWaitQueueRoundRobinAcrossOwners(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("a1", "alice", "ws-1"))
	q.push(queuedReq("a2", "alice", "ws-1"))
	q.push(queuedReq("b1", "bob", "ws-1"))
	q.push(queuedReq("c1", "carol", "ws-1"))

	// One entry per owner per turn: alice's second request waits until the
	// other owners have had theirs.
	for _, want := range []string{"a1", "b1", "c1", "a2"} {
		got := q.pop("ws-1", nil)
		if got == nil || got.id != want {
			t.Fatalf("pop = %v, want %s", got, want)
		}
	}
}

func TestWaitQueuePopSkipsIneligibleOwners(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("a1", "alice", "ws-1"))
	q.push(queuedReq("b1", "bob", "ws-1"))

	notAlice := func(r *request) bool { return r.ownerKey != "alice" }
	got := q.pop("ws-1", notAlice)
	if got == nil || got.id != "b1" {
		t.Fatalf("pop with alice blocked = %v, want b1", got)
	}

	got = q.pop("ws-1", notAlice)
	if got != nil {
		t.Fatalf("pop with alice blocked = %v, want nil", got)
	}

	got = q.pop("ws-1", nil)
	if got == nil || got.id != "a1" {
		t.Fatalf("pop unrestricted = %v, want a1", got)
	}
}

func TestWaitQueuePopWrongWorkspace(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("r1", "alice", "ws-1"))

	if got := q.pop("ws-2", nil); got != nil {
		t.Fatalf("pop for other workspace = %v, want nil", got)
	}
	if q.depth() != 1 {
		t.Errorf("depth = %d, want 1", q.depth())
	}
}

func TestWaitQueueRemove(t *testing.T) {
	q := newWaitQueue()
	r1 := queuedReq("r1", "alice", "ws-1")
	r2 := queuedReq("r2", "alice", "ws-1")
	r3 := queuedReq("r3", "bob", "ws-1")
	q.push(r1)
	q.push(r2)
	q.push(r3)

	if !q.remove(r2) {
		t.Fatal("remove(r2) = false, want true")
	}
	if q.remove(r2) {
		t.Fatal("second remove(r2) = true, want false")
	}
	if q.depth() != 2 {
		t.Errorf("depth = %d, want 2", q.depth())
	}
	if q.depthOwner("alice") != 1 {
		t.Errorf("depthOwner(alice) = %d, want 1", q.depthOwner("alice"))
	}

	// r2 is gone; the remaining entries drain in rotation order.
	for _, want := range []string{"r1", "r3"} {
		got := q.pop("ws-1", nil)
		if got == nil || got.id != want {
			t.Fatalf("pop = %v, want %s", got, want)
		}
	}
}

func TestWaitQueueRemoveLastEntryForOwner(t *testing.T) {
	q := newWaitQueue()
	r1 := queuedReq("r1", "alice", "ws-1")
	r2 := queuedReq("r2", "bob", "ws-1")
	q.push(r1)
	q.push(r2)

	if !q.remove(r1) {
		t.Fatal("remove(r1) = false, want true")
	}
	if q.depthOwner("alice") != 0 {
		t.Errorf("depthOwner(alice) = %d, want 0", q.depthOwner("alice"))
	}

	got := q.pop("ws-1", nil)
	if got == nil || got.id != "r2" {
		t.Fatalf("pop = %v, want r2", got)
	}
	if q.depth() != 0 {
		t.Errorf("depth = %d, want 0", q.depth())
	}
}

func TestWaitQueueDepthsAcrossWorkspaces(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("r1", "alice", "ws-1"))
	q.push(queuedReq("r2", "alice", "ws-2"))
	q.push(queuedReq("r3", "bob", "ws-2"))

	if q.depth() != 3 {
		t.Errorf("depth = %d, want 3", q.depth())
	}
	// The per-owner depth spans workspaces; the per-user queue cap is global.
	if q.depthOwner("alice") != 2 {
		t.Errorf("depthOwner(alice) = %d, want 2", q.depthOwner("alice"))
	}
	if q.depthWorkspace("ws-1") != 1 {
		t.Errorf("depthWorkspace(ws-1) = %d, want 1", q.depthWorkspace("ws-1"))
	}
	if q.depthWorkspace("ws-2") != 2 {
		t.Errorf("depthWorkspace(ws-2) = %d, want 2", q.depthWorkspace("ws-2"))
	}
	if q.depthWorkspace("ws-3") != 0 {
		t.Errorf("depthWorkspace(ws-3) = %d, want 0", q.depthWorkspace("ws-3"))
	}
}

func TestWaitQueueDrain(t *testing.T) {
	q := newWaitQueue()
	q.push(queuedReq("r1", "alice", "ws-1"))
	q.push(queuedReq("r2", "bob", "ws-1"))
	q.push(queuedReq("r3", "alice", "ws-2"))

	drained := q.drain()
	if len(drained) != 3 {
		t.Fatalf("drain returned %d requests, want 3", len(drained))
	}
	if q.depth() != 0 {
		t.Errorf("depth after drain = %d, want 0", q.depth())
	}
	if got := q.pop("ws-1", nil); got != nil {
		t.Errorf("pop after drain = %v, want nil", got)
	}

	seen := make(map[string]bool)
	for _, req := range drained {
		seen[req.id] = true
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		if !seen[id] {
			t.Errorf("drain missing %s", id)
		}
	}
}
