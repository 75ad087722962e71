package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/tracing"
	"github.com/alivehq/agentpool/pkg/wire"
)

// closeKillGrace bounds how long a closed stream waits for the agent process
// to exit after SIGTERM before escalating to SIGKILL.
const closeKillGrace = 2 * time.Second

// cliMessage is the subset of the agent CLI's stream-json output the runtime
// inspects. Everything else passes through untouched inside Message.Raw.
type cliMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// controlRequest is an inbound permission/control request from the agent.
type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// controlResponse answers a control request over the agent's stdin.
type controlResponse struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Response  controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype string            `json:"subtype"`
	Result  *permissionResult `json:"result,omitempty"`
}

type permissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// CLIRuntime runs queries by spawning the configured agent CLI once per run.
// The agent prints stream-json on stdout (one JSON object per line) and
// receives tool-permission verdicts as control responses on stdin.
type CLIRuntime struct {
	command []string
	log     *logger.Logger
}

// NewCLIRuntime builds a runtime around the given argv. The first element is
// the binary; flags the protocol requires are appended per query.
func NewCLIRuntime(command []string, log *logger.Logger) *CLIRuntime {
	return &CLIRuntime{command: command, log: log}
}

// Query spawns one agent run. The returned stream owns the subprocess; the
// run is terminated by Close, not by ctx, so that a caller returning early
// cannot strand a half-delivered terminal message.
func (r *CLIRuntime) Query(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if len(r.command) == 0 {
		return nil, fmt.Errorf("runtime: agent command not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := r.buildArgs(prompt, opts)
	mcpConfig, err := writeMCPConfig(opts.MCPServers)
	if err != nil {
		return nil, err
	}
	if mcpConfig != "" {
		args = append(args[:len(args)-1], "--mcp-config", mcpConfig, prompt)
	}

	cmd := exec.Command(r.command[0], args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	cleanup := func() {
		if mcpConfig != "" {
			os.Remove(mcpConfig)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("runtime: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("runtime: start agent: %w", err)
	}

	_, span := tracing.TraceRuntimeStream(ctx, opts.Model)
	s := &cliStream{
		cmd:        cmd,
		stdin:      stdin,
		canUseTool: opts.CanUseTool,
		log:        r.log.WithPID(cmd.Process.Pid),
		tail:       newLineTail(stderrTailLines),
		mcpConfig:  mcpConfig,
		span:       span,
		out:        make(chan streamItem, 16),
		closed:     make(chan struct{}),
		stderrDone: make(chan struct{}),
		waited:     make(chan struct{}),
	}
	go s.tailLoop(stderr)
	go s.readLoop(stdout)
	return s, nil
}

// writeMCPConfig materializes the per-run MCP connector file the agent CLI
// reads via --mcp-config. Returns "" when no connectors are configured.
func writeMCPConfig(servers map[string]MCPServer) (string, error) {
	if len(servers) == 0 {
		return "", nil
	}

	type serverEntry struct {
		Type    string            `json:"type"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
	}
	entries := make(map[string]serverEntry, len(servers))
	for name, srv := range servers {
		entry := serverEntry{Type: "http", URL: srv.URL}
		if srv.AccessToken != "" {
			entry.Headers = map[string]string{"Authorization": "Bearer " + srv.AccessToken}
		}
		entries[name] = entry
	}

	data, err := json.Marshal(map[string]any{"mcpServers": entries})
	if err != nil {
		return "", fmt.Errorf("runtime: encode mcp config: %w", err)
	}

	f, err := os.CreateTemp("", "agentpool-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("runtime: mcp config file: %w", err)
	}
	// The file carries bearer tokens; keep it private to the worker identity.
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("runtime: mcp config perms: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("runtime: write mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("runtime: close mcp config: %w", err)
	}
	return f.Name(), nil
}

func (r *CLIRuntime) buildArgs(prompt string, opts Options) []string {
	args := append([]string(nil), r.command[1:]...)
	args = append(args, "-p", "--output-format=stream-json", "--verbose")
	if opts.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool=stdio")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.ResumeSessionAt != "" {
		args = append(args, "--resume-session-at", opts.ResumeSessionAt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools="+strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools="+strings.Join(opts.DisallowedTools, ","))
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources="+strings.Join(opts.SettingSources, ","))
	}
	return append(args, prompt)
}

// streamItem is one delivery on the stream channel: a message, or the
// terminal disposition (io.EOF for clean end, anything else a run failure).
type streamItem struct {
	msg Message
	err error
}

type cliStream struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdinMu    sync.Mutex
	canUseTool PermissionFunc
	log        *logger.Logger
	tail       *lineTail
	mcpConfig  string
	span       trace.Span

	out        chan streamItem
	closed     chan struct{}
	closeOnce  sync.Once
	stderrDone chan struct{}
	waited     chan struct{}
}

func (s *cliStream) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case it, ok := <-s.out:
		if !ok {
			return Message{}, io.EOF
		}
		if it.err != nil {
			return Message{}, it.err
		}
		return it.msg, nil
	}
}

func (s *cliStream) StderrTail() []string {
	return s.tail.Last()
}

// Close terminates the run. SIGTERM first so the agent can flush state; if
// the process is still alive after closeKillGrace it is killed outright.
// Safe to call more than once and concurrently with Next.
func (s *cliStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.stdinMu.Lock()
		_ = s.stdin.Close()
		s.stdinMu.Unlock()

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			go func() {
				select {
				case <-s.waited:
				case <-time.After(closeKillGrace):
					_ = s.cmd.Process.Kill()
				}
			}()
		}
	})
	return nil
}

func (s *cliStream) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), wire.MaxFrameBuffer)

	sawResult := false
	delivered := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, deliver := s.handleLine(line)
		if !deliver {
			continue
		}
		if msg.Kind == KindResult && !msg.IsError {
			sawResult = true
		}
		if !s.emit(streamItem{msg: msg}) {
			break
		}
		delivered++
	}
	scanErr := scanner.Err()

	// Wait closes the pipes, so the stderr tail must finish first.
	<-s.stderrDone
	waitErr := s.cmd.Wait()
	close(s.waited)
	if s.mcpConfig != "" {
		os.Remove(s.mcpConfig)
	}

	var termErr error
	switch {
	case scanErr != nil:
		termErr = fmt.Errorf("runtime: reading agent output: %w", scanErr)
	case waitErr != nil && !sawResult:
		// A dirty exit after a successful terminal result counts as success;
		// some agents exit non-zero after printing their final result.
		termErr = fmt.Errorf("runtime: agent exited: %w", waitErr)
	}
	tracing.TraceRuntimeStreamEnd(s.span, delivered, termErr)
	s.span.End()

	if termErr != nil {
		s.emit(streamItem{err: termErr})
	} else {
		s.emit(streamItem{err: io.EOF})
	}
	close(s.out)
}

func (s *cliStream) emit(it streamItem) bool {
	select {
	case s.out <- it:
		return true
	case <-s.closed:
		return false
	}
}

// handleLine classifies one stdout line. Control traffic is answered in
// place and not delivered; malformed lines are logged and dropped.
func (s *cliStream) handleLine(line []byte) (Message, bool) {
	var m cliMessage
	if err := json.Unmarshal(line, &m); err != nil {
		s.log.Warn("dropping malformed agent output line", zap.Error(err))
		return Message{}, false
	}

	switch m.Type {
	case "control_request":
		s.answerControl(m)
		return Message{}, false
	case "system":
		if m.Subtype == "init" {
			return Message{Kind: KindInit, SessionID: m.SessionID, Raw: cloneRaw(line)}, true
		}
		return Message{Kind: KindChunk, Raw: cloneRaw(line)}, true
	case "result":
		return Message{
			Kind:      KindResult,
			SessionID: m.SessionID,
			Raw:       cloneRaw(line),
			Result:    m.Result,
			IsError:   m.IsError,
		}, true
	case "":
		s.log.Warn("dropping agent output line without a type")
		return Message{}, false
	default:
		return Message{Kind: KindChunk, Raw: cloneRaw(line)}, true
	}
}

func (s *cliStream) answerControl(m cliMessage) {
	if m.Request == nil || m.Request.Subtype != "can_use_tool" {
		return
	}

	decision := PermissionDecision{Reason: "no permission handler configured"}
	if s.canUseTool != nil {
		decision = s.canUseTool(m.Request.ToolName, m.Request.Input)
	}

	result := &permissionResult{Behavior: "deny", Message: decision.Reason}
	if decision.Allow {
		result = &permissionResult{Behavior: "allow"}
	}
	resp := controlResponse{
		Type:      "control_response",
		RequestID: m.RequestID,
		Response:  controlResponseBody{Subtype: "success", Result: result},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to encode permission response", zap.Error(err))
		return
	}

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		s.log.Warn("failed to answer permission request",
			zap.String("tool", m.Request.ToolName), zap.Error(err))
	}
}

func (s *cliStream) tailLoop(stderr io.Reader) {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.tail.Add(scanner.Text())
	}
}

// cloneRaw copies a scanner-owned line so the message can outlive the next
// Scan call.
func cloneRaw(line []byte) json.RawMessage {
	out := make([]byte, len(line))
	copy(out, line)
	return out
}
