package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/runtime"
	"github.com/alivehq/agentpool/internal/worker/policy"
	"github.com/alivehq/agentpool/pkg/wire"
)

// runQuery drives one request against the agent runtime and emits the
// terminal message. It runs on its own goroutine; everything it shares with
// the serve loop goes through w.mu or st.
func (w *Worker) runQuery(ctx context.Context, st *runState, q wire.Query) {
	defer close(st.done)

	log := w.log.WithRequestID(q.RequestID)
	req := q.Payload

	stream, err := w.rt.Query(ctx, req.Message, w.queryOptions(req))
	if err != nil {
		log.Error("runtime start failed", zap.Error(err))
		w.failRun(st, q.RequestID, err.Error(), "")
		return
	}
	defer stream.Close()

	var (
		total     int
		resultRaw json.RawMessage
		resultErr bool
		gotResult bool
		cancelled bool
	)
	emit := newStreamFilter(req.AgentConfig.StreamTypes)

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				cancelled = true
				break
			}
			if gotResult && !resultErr {
				// The runtime died after already yielding its final result.
				// Some agent CLIs exit non-zero after a successful run; the
				// result stands.
				log.Warn("runtime failed after terminal result, keeping result", zap.Error(err))
				break
			}
			log.Error("runtime stream failed", zap.Error(err))
			w.failRun(st, q.RequestID, err.Error(), strings.Join(stream.StderrTail(), "\n"))
			return
		}

		total++
		switch msg.Kind {
		case runtime.KindInit:
			log.Info("agent session started", zap.String("session_id", msg.SessionID))
			if emit(wire.StreamSession) {
				w.send(wire.NewSession(q.RequestID, msg.SessionID))
			}
		case runtime.KindResult:
			resultRaw = msg.Result
			resultErr = msg.IsError
			gotResult = true
			if emit(wire.StreamMessage) {
				w.send(wire.NewChunk(q.RequestID, msg.Raw))
			}
		default:
			if emit(wire.StreamMessage) {
				w.send(wire.NewChunk(q.RequestID, msg.Raw))
			}
		}
	}

	switch {
	case cancelled:
		log.Info("query cancelled", zap.Int("total_messages", total))
		w.completeRun(st, q.RequestID, wire.QueryOutcome{TotalMessages: total, Cancelled: true})
	case gotResult && resultErr:
		log.Warn("agent reported error result")
		w.failRun(st, q.RequestID, resultText(resultRaw), strings.Join(stream.StderrTail(), "\n"))
	default:
		log.Info("query complete", zap.Int("total_messages", total))
		w.completeRun(st, q.RequestID, wire.QueryOutcome{TotalMessages: total, Result: resultRaw})
	}
}

func (w *Worker) completeRun(st *runState, requestID string, outcome wire.QueryOutcome) {
	w.detach(st)
	w.send(wire.NewComplete(requestID, outcome))
}

func (w *Worker) failRun(st *runState, requestID, errMsg, stderrTail string) {
	w.detach(st)
	w.send(wire.NewWorkerError(requestID, wire.ErrCodeRuntime, errMsg, "", stderrTail))
}

// queryOptions maps the request envelope onto runtime options, including the
// per-request environment and the tool-permission callback.
func (w *Worker) queryOptions(req wire.AgentRequest) runtime.Options {
	servers, connected := mcpServers(req)
	return runtime.Options{
		Model:           req.Model,
		SystemPrompt:    req.SystemPrompt,
		Resume:          req.Resume,
		ResumeSessionAt: req.ResumeSessionAt,
		MaxTurns:        req.MaxTurns,
		PermissionMode:  req.AgentConfig.PermissionMode,
		AllowedTools:    req.AgentConfig.AllowedTools,
		DisallowedTools: req.AgentConfig.DisallowedTools,
		SettingSources:  req.AgentConfig.SettingSources,
		MCPServers:      servers,
		Cwd:             w.cfg.Cwd,
		Env:             buildQueryEnv(osEnviron(), req),
		CanUseTool:      w.permissionCallback(req, connected),
	}
}

// permissionCallback adapts the host policy to the runtime's callback shape.
func (w *Worker) permissionCallback(req wire.AgentRequest, connected map[string]bool) runtime.PermissionFunc {
	return func(tool string, input map[string]any) runtime.PermissionDecision {
		d := w.pol.Evaluate(policy.ToolRequest{
			Tool:               tool,
			Input:              input,
			PermissionMode:     req.AgentConfig.PermissionMode,
			Superadmin:         req.Superadmin,
			AllowedTools:       req.AgentConfig.AllowedTools,
			DisallowedTools:    req.AgentConfig.DisallowedTools,
			ConnectedProviders: connected,
		})
		if !d.Allow {
			w.log.Info("tool denied", zap.String("tool", tool), zap.String("reason", d.Reason))
		}
		return runtime.PermissionDecision{Allow: d.Allow, Reason: d.Reason}
	}
}

// mcpServers builds the runtime MCP server map and the set of providers the
// permission callback should treat as connected. A provider counts as
// connected only when a usable access token is present, either inline on the
// server record or in the request's token map.
func mcpServers(req wire.AgentRequest) (map[string]runtime.MCPServer, map[string]bool) {
	if len(req.AgentConfig.OAuthMCPServers) == 0 {
		return nil, nil
	}
	servers := make(map[string]runtime.MCPServer, len(req.AgentConfig.OAuthMCPServers))
	connected := make(map[string]bool, len(req.AgentConfig.OAuthMCPServers))
	for provider, srv := range req.AgentConfig.OAuthMCPServers {
		if srv.URL == "" {
			continue
		}
		token := srv.AccessToken
		if token == "" {
			token = req.OAuthTokens[provider]
		}
		servers[provider] = runtime.MCPServer{URL: srv.URL, AccessToken: token}
		if token != "" {
			connected[provider] = true
		}
	}
	return servers, connected
}

// newStreamFilter returns a predicate over stream classes. An empty
// subscription means everything; terminal classes are always emitted because
// the pool's request lifecycle depends on them.
func newStreamFilter(types []wire.StreamType) func(wire.StreamType) bool {
	if len(types) == 0 {
		return func(wire.StreamType) bool { return true }
	}
	want := make(map[wire.StreamType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return func(t wire.StreamType) bool {
		if t == wire.StreamComplete || t == wire.StreamError {
			return true
		}
		return want[t]
	}
}

// resultText renders a raw result value for an error message. String results
// unquote; anything else passes through as compact JSON.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "agent reported an error result"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
