package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// mock drives one scripted run: NDJSON stream out on stdout, control
// responses in on stdin. All emitters are methods so the session id and
// pacing follow the invocation without threading them through every call.
type mock struct {
	enc       *json.Encoder
	in        *bufio.Scanner
	inv       invocation
	sessionID string
	cwd       string
	started   time.Time
	toolSeq   int
	turns     int
}

func newMock(enc *json.Encoder, in *bufio.Scanner, inv invocation, sessionID, cwd string) *mock {
	return &mock{
		enc:       enc,
		in:        in,
		inv:       inv,
		sessionID: sessionID,
		cwd:       cwd,
		started:   time.Now(),
	}
}

func (m *mock) nextToolID() string {
	m.toolSeq++
	return fmt.Sprintf("toolu_mock_%04d", m.toolSeq)
}

// delayRange returns the per-event delay bounds in milliseconds for a model.
// mock-fast is zero-delay for deterministic tests.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 0, 0
	case "mock-slow":
		return 300, 900
	default:
		return 10, 60
	}
}

// pace sleeps for a model-appropriate interval between stream events.
func (m *mock) pace() {
	lo, hi := delayRange(m.inv.Model)
	if hi == 0 {
		return
	}
	ms := lo
	if hi > lo {
		ms += rand.Intn(hi - lo + 1)
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// emitInit writes the run header. It must be the first stream line.
func (m *mock) emitInit() {
	_ = m.enc.Encode(initMsg{
		Type:           TypeSystem,
		Subtype:        "init",
		SessionID:      m.sessionID,
		Model:          m.inv.Model,
		Cwd:            m.cwd,
		Tools:          []string{ToolBash, ToolRead, ToolEdit, ToolGrep, ToolWebFetch, ToolTodo, ToolTask},
		PermissionMode: m.inv.PermissionMode,
	})
}

func defaultUsage() *usage {
	return &usage{InputTokens: 1200, OutputTokens: 350}
}

// thinking emits an assistant message with a thinking block.
func (m *mock) thinking(thought, parentToolUseID string) {
	m.turns++
	_ = m.enc.Encode(assistantMsg{
		Type:            TypeAssistant,
		ParentToolUseID: parentToolUseID,
		SessionID:       m.sessionID,
		Message: assistantBody{
			Role:    "assistant",
			Content: []contentBlock{{Type: BlockThinking, Thinking: thought}},
			Model:   m.inv.Model,
			Usage:   defaultUsage(),
		},
	})
}

// text emits an assistant message with a text block.
func (m *mock) text(text, parentToolUseID string) {
	m.turns++
	_ = m.enc.Encode(assistantMsg{
		Type:            TypeAssistant,
		ParentToolUseID: parentToolUseID,
		SessionID:       m.sessionID,
		Message: assistantBody{
			Role:       "assistant",
			Content:    []contentBlock{{Type: BlockText, Text: text}},
			Model:      m.inv.Model,
			StopReason: "end_turn",
			Usage:      defaultUsage(),
		},
	})
}

// toolUse emits an assistant message with a single tool_use block.
func (m *mock) toolUse(toolID, name string, input map[string]any) {
	m.turns++
	_ = m.enc.Encode(assistantMsg{
		Type:      TypeAssistant,
		SessionID: m.sessionID,
		Message: assistantBody{
			Role:       "assistant",
			Content:    []contentBlock{{Type: BlockToolUse, ID: toolID, Name: name, Input: input}},
			Model:      m.inv.Model,
			StopReason: "tool_use",
			Usage:      defaultUsage(),
		},
	})
}

// toolResult emits a user message carrying the tool's output.
func (m *mock) toolResult(toolID, content string, isError bool) {
	_ = m.enc.Encode(userMsg{
		Type:      TypeUser,
		SessionID: m.sessionID,
		Message: userMsgBody{
			Role: "user",
			Content: []contentBlock{{
				Type:      BlockToolResult,
				ToolUseID: toolID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

// finish emits the terminal result line. The result payload is a plain JSON
// string, which is what the agent CLI prints for both outcomes.
func (m *mock) finish(text string, isError bool) {
	payload, _ := json.Marshal(text)
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	elapsed := time.Since(m.started).Milliseconds()
	_ = m.enc.Encode(resultMsg{
		Type:          TypeResult,
		Subtype:       subtype,
		SessionID:     m.sessionID,
		Result:        payload,
		IsError:       isError,
		DurationMS:    elapsed,
		DurationAPIMS: elapsed * 8 / 10,
		NumTurns:      m.turns,
		CostUSD:       0.0042,
	})
}

// askPermission round-trips a can_use_tool control request when the host
// passed --permission-prompt-tool=stdio. Without the flag the decision is
// left to the CLI's own settings, which for a mock means allow.
func (m *mock) askPermission(toolName, toolUseID string, input map[string]any) bool {
	if !m.inv.askPermission() {
		return true
	}

	requestID := "perm-" + toolUseID
	_ = m.enc.Encode(controlRequestMsg{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request: controlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for m.in.Scan() {
		line := m.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp controlResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Type != TypeControlResponse {
			continue
		}
		if resp.RequestID != "" && resp.RequestID != requestID {
			continue
		}
		if resp.Response == nil || resp.Response.Result == nil {
			return false
		}
		return resp.Response.Result.Behavior == "allow"
	}

	// stdin closed before an answer arrived
	return false
}
