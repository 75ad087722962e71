package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/runtime"
	"github.com/alivehq/agentpool/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// harness runs a worker's serve loop over one end of an in-memory pipe and
// speaks the parent side over the other.
type harness struct {
	t    *testing.T
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
	done chan error
}

func startWorker(t *testing.T, rt runtime.Runtime, mut func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		WorkspaceKey:    "acme-ws",
		Cwd:             "/",
		ShutdownTimeout: 2 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}

	parent, child := net.Pipe()
	require.NoError(t, parent.SetDeadline(time.Now().Add(10*time.Second)))

	w := newWorker(cfg, rt, testLogger(t), osIdentity{})
	done := make(chan error, 1)
	go func() { done <- w.serveConn(context.Background(), child) }()
	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})

	h := &harness{t: t, conn: parent, enc: wire.NewEncoder(parent), dec: wire.NewDecoder(parent), done: done}
	_, ok := h.next().(wire.Ready)
	require.True(t, ok, "first message must be ready")
	return h
}

func (h *harness) next() wire.Message {
	h.t.Helper()
	msg, err := h.dec.Next()
	require.NoError(h.t, err)
	return msg
}

func (h *harness) send(msg wire.Message) {
	h.t.Helper()
	require.NoError(h.t, h.enc.Encode(msg))
}

// collectTerminals reads until every listed request has a complete or error.
func (h *harness) collectTerminals(ids ...string) map[string]wire.Message {
	h.t.Helper()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	got := make(map[string]wire.Message, len(ids))
	for len(got) < len(want) {
		switch m := h.next().(type) {
		case wire.Complete:
			if want[m.RequestID] {
				got[m.RequestID] = m
			}
		case wire.WorkerError:
			if want[m.RequestID] {
				got[m.RequestID] = m
			}
		}
	}
	return got
}

func (h *harness) waitExit() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker serve loop did not exit")
		return nil
	}
}

func TestWorkerServesQuery(t *testing.T) {
	chunk := json.RawMessage(`{"type":"assistant","text":"hi"}`)
	rt := runtime.NewScripted(&runtime.ScriptedRun{
		SessionID: "sess-1",
		Chunks:    []json.RawMessage{chunk},
		Result:    json.RawMessage(`"done"`),
	})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "hello"}))

	sess, ok := h.next().(wire.Session)
	require.True(t, ok)
	require.Equal(t, "req-1", sess.RequestID)
	require.Equal(t, "sess-1", sess.SessionID)

	first, ok := h.next().(wire.Chunk)
	require.True(t, ok)
	require.JSONEq(t, string(chunk), string(first.Content))

	_, ok = h.next().(wire.Chunk) // the runtime's terminal result is streamed too
	require.True(t, ok)

	comp, ok := h.next().(wire.Complete)
	require.True(t, ok)
	require.Equal(t, "req-1", comp.RequestID)
	require.False(t, comp.Result.Cancelled)
	require.Equal(t, 3, comp.Result.TotalMessages)
	require.JSONEq(t, `"done"`, string(comp.Result.Result))

	calls := rt.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "hello", calls[0].Prompt)
	require.Equal(t, "/", calls[0].Opts.Cwd)
}

func TestWorkerRejectsQueryWhileBusy(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{SessionID: "sess-1", Block: true})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-a", wire.AgentRequest{Message: "long"}))
	sess, ok := h.next().(wire.Session)
	require.True(t, ok)
	require.Equal(t, "req-a", sess.RequestID)

	h.send(wire.NewQuery("req-b", wire.AgentRequest{Message: "barged in"}))
	rejected, ok := h.next().(wire.WorkerError)
	require.True(t, ok)
	require.Equal(t, "req-b", rejected.RequestID)
	require.Equal(t, busyMessage, rejected.Error)
	require.Empty(t, rejected.Code)

	h.send(wire.NewCancel("req-a"))
	term := h.collectTerminals("req-a")["req-a"]
	comp, ok := term.(wire.Complete)
	require.True(t, ok)
	require.True(t, comp.Result.Cancelled)
	require.Nil(t, comp.Result.Result)
}

func TestWorkerRejectsInvalidPayload(t *testing.T) {
	rt := runtime.NewScripted()
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{
		Message:     "   ",
		MaxTurns:    -2,
		UserEnvKeys: map[string]string{"1bad": "x"},
		AgentConfig: wire.AgentConfig{StreamTypes: []wire.StreamType{"BOGUS"}},
	}))

	rejected, ok := h.next().(wire.WorkerError)
	require.True(t, ok)
	require.Equal(t, "req-1", rejected.RequestID)
	require.Equal(t, wire.ErrCodeInvalidPayload, rejected.Code)
	require.Contains(t, rejected.Error, "invalid payload: ")
	require.Contains(t, rejected.Error, "message must be a non-empty string")
	require.Contains(t, rejected.Error, "maxTurns must be positive")
	require.Contains(t, rejected.Error, `unknown stream type "BOGUS"`)
	require.Contains(t, rejected.Error, `invalid user env key "1bad"`)
	require.Empty(t, rt.Calls(), "runtime must not be invoked for an invalid payload")
}

func TestWorkerAcceptsNewQueryAfterCancel(t *testing.T) {
	rt := runtime.NewScripted(
		&runtime.ScriptedRun{SessionID: "sess-a", Block: true},
		&runtime.ScriptedRun{SessionID: "sess-b", Result: json.RawMessage(`"ok"`)},
	)
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-a", wire.AgentRequest{Message: "first"}))
	sess, ok := h.next().(wire.Session)
	require.True(t, ok)
	require.Equal(t, "req-a", sess.RequestID)

	// Cancel clears query state before the old run unwinds, so the next
	// query must be admitted right away.
	h.send(wire.NewCancel("req-a"))
	h.send(wire.NewQuery("req-b", wire.AgentRequest{Message: "second"}))

	terms := h.collectTerminals("req-a", "req-b")

	compA, ok := terms["req-a"].(wire.Complete)
	require.True(t, ok, "cancelled run must end in complete, got %T", terms["req-a"])
	require.True(t, compA.Result.Cancelled)

	compB, ok := terms["req-b"].(wire.Complete)
	require.True(t, ok, "second run must succeed, got %T", terms["req-b"])
	require.False(t, compB.Result.Cancelled)
	require.JSONEq(t, `"ok"`, string(compB.Result.Result))
}

func TestWorkerRuntimeErrorCarriesStderrTail(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{
		SessionID: "sess-1",
		Err:       errors.New("agent exploded"),
		Stderr:    []string{"line one", "line two"},
	})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "boom"}))

	term := h.collectTerminals("req-1")["req-1"]
	fail, ok := term.(wire.WorkerError)
	require.True(t, ok)
	require.Equal(t, wire.ErrCodeRuntime, fail.Code)
	require.Equal(t, "agent exploded", fail.Error)
	require.Equal(t, "line one\nline two", fail.Stderr)
}

func TestWorkerErrorResultFailsQuery(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{
		SessionID: "sess-1",
		Result:    json.RawMessage(`"query blew up"`),
		IsError:   true,
	})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "go"}))

	term := h.collectTerminals("req-1")["req-1"]
	fail, ok := term.(wire.WorkerError)
	require.True(t, ok)
	require.Equal(t, wire.ErrCodeRuntime, fail.Code)
	require.Equal(t, "query blew up", fail.Error)
}

func TestWorkerRuntimeStartFailureFailsQuery(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{StartErr: errors.New("agent binary missing")})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "go"}))

	fail, ok := h.next().(wire.WorkerError)
	require.True(t, ok)
	require.Equal(t, wire.ErrCodeRuntime, fail.Code)
	require.Equal(t, "agent binary missing", fail.Error)
}

func TestWorkerStreamSubscriptionSuppressesChunks(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{
		SessionID: "sess-1",
		Chunks:    []json.RawMessage{json.RawMessage(`{"type":"assistant"}`)},
		Result:    json.RawMessage(`"done"`),
	})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{
		Message:     "quiet",
		AgentConfig: wire.AgentConfig{StreamTypes: []wire.StreamType{wire.StreamSession}},
	}))

	sess, ok := h.next().(wire.Session)
	require.True(t, ok)
	require.Equal(t, "sess-1", sess.SessionID)

	// Chunks are filtered out; the terminal still arrives and still counts
	// every runtime message.
	comp, ok := h.next().(wire.Complete)
	require.True(t, ok)
	require.Equal(t, 3, comp.Result.TotalMessages)
}

func TestWorkerShutdownWhenIdle(t *testing.T) {
	rt := runtime.NewScripted()
	h := startWorker(t, rt, nil)

	h.send(wire.NewShutdown(true))
	_, ok := h.next().(wire.ShutdownAck)
	require.True(t, ok)
	require.NoError(t, h.waitExit())
}

func TestWorkerGracefulShutdownCancelsStuckRequest(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{SessionID: "sess-1", Block: true})
	h := startWorker(t, rt, func(c *Config) { c.ShutdownTimeout = 50 * time.Millisecond })

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "stuck"}))
	_, ok := h.next().(wire.Session)
	require.True(t, ok)

	h.send(wire.NewShutdown(true))

	var gotAck, gotTerm bool
	for !gotAck || !gotTerm {
		switch m := h.next().(type) {
		case wire.ShutdownAck:
			gotAck = true
		case wire.Complete:
			require.Equal(t, "req-1", m.RequestID)
			require.True(t, m.Result.Cancelled)
			gotTerm = true
		}
	}
	require.NoError(t, h.waitExit())
}

func TestWorkerForcedShutdownCancelsInFlight(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{SessionID: "sess-1", Block: true})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "stuck"}))
	_, ok := h.next().(wire.Session)
	require.True(t, ok)

	h.send(wire.NewShutdown(false))

	var gotAck, gotTerm bool
	for !gotAck || !gotTerm {
		switch m := h.next().(type) {
		case wire.ShutdownAck:
			gotAck = true
		case wire.Complete:
			require.True(t, m.Result.Cancelled)
			gotTerm = true
		}
	}
	require.NoError(t, h.waitExit())
}

func TestWorkerHealthCheckCountsProcessedQueries(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{SessionID: "sess-1", Result: json.RawMessage(`"ok"`)})
	h := startWorker(t, rt, nil)

	h.send(wire.NewHealthCheck())
	hc, ok := h.next().(wire.HealthOK)
	require.True(t, ok)
	require.Zero(t, hc.QueriesProcessed)
	require.GreaterOrEqual(t, hc.UptimeMs, int64(0))

	h.send(wire.NewQuery("req-1", wire.AgentRequest{Message: "hi"}))
	h.collectTerminals("req-1")

	h.send(wire.NewHealthCheck())
	hc, ok = h.next().(wire.HealthOK)
	require.True(t, ok)
	require.Equal(t, 1, hc.QueriesProcessed)
}

func TestWorkerSkipsMalformedFrames(t *testing.T) {
	rt := runtime.NewScripted()
	h := startWorker(t, rt, nil)

	_, err := h.conn.Write([]byte("{\"type\":\"no-such-type\"}\nnot json at all\n"))
	require.NoError(t, err)

	h.send(wire.NewHealthCheck())
	_, ok := h.next().(wire.HealthOK)
	require.True(t, ok, "worker must keep serving after malformed frames")
}

func TestWorkerExitsWhenSocketCloses(t *testing.T) {
	rt := runtime.NewScripted()
	h := startWorker(t, rt, nil)

	require.NoError(t, h.conn.Close())
	require.NoError(t, h.waitExit())
}

func TestWorkerPassesRequestThroughToRuntime(t *testing.T) {
	rt := runtime.NewScripted(&runtime.ScriptedRun{SessionID: "sess-1", Result: json.RawMessage(`"ok"`)})
	h := startWorker(t, rt, nil)

	h.send(wire.NewQuery("req-1", wire.AgentRequest{
		Message:       "do the thing",
		Model:         "claude-sonnet-4-5",
		SystemPrompt:  "be terse",
		MaxTurns:      7,
		APIKey:        "sk-test",
		SessionCookie: "cookie-1",
		UserEnvKeys:   map[string]string{"FOO": "bar"},
		AgentConfig: wire.AgentConfig{
			AllowedTools:   []string{"Read"},
			PermissionMode: "plan",
			OAuthMCPServers: map[string]wire.OAuthMCPServer{
				"linear": {URL: "https://mcp.linear.app/mcp", AccessToken: "tok-1"},
			},
		},
	}))
	h.collectTerminals("req-1")

	calls := rt.Calls()
	require.Len(t, calls, 1)
	opts := calls[0].Opts
	require.Equal(t, "claude-sonnet-4-5", opts.Model)
	require.Equal(t, "be terse", opts.SystemPrompt)
	require.Equal(t, 7, opts.MaxTurns)
	require.Equal(t, "plan", opts.PermissionMode)
	require.Equal(t, []string{"Read"}, opts.AllowedTools)
	require.Equal(t, "tok-1", opts.MCPServers["linear"].AccessToken)
	require.NotNil(t, opts.CanUseTool)

	require.Contains(t, opts.Env, "ALIVE_SESSION_COOKIE=cookie-1")
	require.Contains(t, opts.Env, "ANTHROPIC_API_KEY=sk-test")
	require.Contains(t, opts.Env, "USER_FOO=bar")
}
