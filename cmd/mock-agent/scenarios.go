package main

import (
	"fmt"
	"strings"
	"time"
)

// run plays the scripted scenario selected by the prompt and returns the
// process exit code. Prompts starting with a directive exercise a specific
// behavior; anything else gets the default happy path.
func (m *mock) run() int {
	prompt := strings.TrimSpace(m.inv.Prompt)
	m.emitInit()

	switch {
	case strings.HasPrefix(prompt, "/error"):
		m.scenarioError(strings.TrimSpace(strings.TrimPrefix(prompt, "/error")))
	case strings.HasPrefix(prompt, "/sleep") || strings.HasPrefix(prompt, "/slow"):
		m.scenarioSleep(prompt)
	case prompt == "/hang":
		m.scenarioHang()
	case strings.HasPrefix(prompt, "/exit"):
		return m.scenarioExit(prompt)
	case prompt == "/dirty-exit":
		// Success result followed by a non-zero exit. Hosts must treat the
		// result line, not the exit code, as the run's outcome.
		m.scenarioHappy(prompt)
		return 1
	case strings.HasPrefix(prompt, "/echo "):
		m.finish(strings.TrimPrefix(prompt, "/echo "), false)
	case strings.HasPrefix(prompt, "/tool:"):
		m.scenarioTool(strings.TrimSpace(strings.TrimPrefix(prompt, "/tool:")))
	case prompt == "/thinking":
		m.scenarioThinking()
	case prompt == "/todo":
		m.scenarioTodo()
	case prompt == "/subagent":
		m.scenarioSubagent()
	default:
		m.scenarioHappy(prompt)
	}
	return 0
}

// scenarioHappy is the default run: a little reasoning, one file read, a
// summary, then a successful result.
func (m *mock) scenarioHappy(prompt string) {
	m.pace()
	m.thinking("Analyzing the request and considering the best approach...", "")
	m.pace()
	m.seqRead()
	m.pace()
	summary := "Request handled."
	if prompt != "" {
		summary = fmt.Sprintf("Handled request: %q. Everything looks good.", prompt)
	}
	m.text(summary, "")
	m.pace()
	m.finish("Mock agent completed successfully.", false)
}

// scenarioError fails the run with an error result.
func (m *mock) scenarioError(message string) {
	if message == "" {
		message = "mock error: simulated failure during processing"
	}
	m.pace()
	m.text("Simulating an error condition...", "")
	m.pace()
	m.finish(message, true)
}

// scenarioSleep spreads progress updates across a configurable duration.
// Accepts "/sleep" (5s default) or "/sleep <duration>", e.g. "/sleep 30s".
// Useful for exercising cancellation and busy-worker behavior.
func (m *mock) scenarioSleep(prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}

	const steps = 5
	step := total / steps

	m.thinking("Working through a long task...", "")
	for i := 1; i <= steps; i++ {
		time.Sleep(step)
		m.text(fmt.Sprintf("Progress %d/%d (%s elapsed).", i, steps, time.Duration(i)*step), "")
	}
	m.finish(fmt.Sprintf("Slept %s.", total), false)
}

// scenarioHang never produces a result. The run only ends when the host
// kills the process, which is exactly what cancellation tests need.
func (m *mock) scenarioHang() {
	m.text("Hanging until killed...", "")
	for {
		time.Sleep(time.Hour)
	}
}

// scenarioExit terminates without a result line, simulating an agent crash.
// Accepts "/exit" (code 1) or "/exit <code>".
func (m *mock) scenarioExit(prompt string) int {
	code := 1
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if _, err := fmt.Sscanf(parts[1], "%d", &code); err != nil {
			code = 1
		}
	}
	m.text(fmt.Sprintf("Exiting with code %d without a result.", code), "")
	return code
}

// scenarioTool runs a single named tool sequence and finishes successfully.
func (m *mock) scenarioTool(name string) {
	switch strings.ToLower(name) {
	case "read":
		m.seqRead()
	case "edit":
		m.seqEdit()
	case "bash", "exec":
		m.seqBash()
	case "grep", "search":
		m.seqGrep()
	case "webfetch", "web":
		m.seqWebFetch()
	default:
		m.text("Unknown tool: "+name+". Available: read, edit, bash, grep, webfetch", "")
	}
	m.pace()
	m.finish("Tool sequence complete.", false)
}

// scenarioThinking emits extended reasoning blocks before the result.
func (m *mock) scenarioThinking() {
	thoughts := []string{
		"Let me work through this problem step by step...",
		"First, the workspace layout: which files matter and how they relate.",
		"Edge cases to consider: empty inputs, concurrent runs, partial failures.",
		"The cleanest approach is an incremental change with a test per behavior.",
	}
	for _, thought := range thoughts {
		m.pace()
		m.thinking(thought, "")
	}
	m.pace()
	m.text("Analysis complete:\n\n1. The structure is sound\n2. Error paths are covered\n3. Changes stay minimal", "")
	m.finish("Mock agent completed successfully.", false)
}

// scenarioTodo emits a task-list update sequence.
func (m *mock) scenarioTodo() {
	m.thinking("Breaking the work into steps...", "")
	m.pace()
	toolID := m.nextToolID()
	m.toolUse(toolID, ToolTodo, map[string]any{
		"todos": []map[string]any{
			{"id": "1", "content": "Review the requested change", "status": "in_progress"},
			{"id": "2", "content": "Apply the edit", "status": "pending"},
			{"id": "3", "content": "Verify the result", "status": "pending"},
		},
	})
	m.pace()
	m.toolResult(toolID, "Todo list updated: 3 items (1 in progress, 2 pending)", false)
	m.pace()
	m.text("Task list recorded.", "")
	m.finish("Mock agent completed successfully.", false)
}

// scenarioSubagent emits a Task tool with nested child messages.
func (m *mock) scenarioSubagent() {
	taskID := m.nextToolID()
	m.toolUse(taskID, ToolTask, map[string]any{
		"description": "Explore workspace",
		"prompt":      "Summarize the workspace structure",
	})
	m.pace()
	m.thinking("Exploring the workspace...", taskID)
	m.pace()
	paths := samplePaths(5)
	m.text(fmt.Sprintf("Found %d files. Structure looks consistent.", len(paths)), taskID)
	m.pace()
	m.toolResult(taskID, fmt.Sprintf("Subagent completed: %d files surveyed.", len(paths)), false)
	m.pace()
	m.finish("Mock agent completed successfully.", false)
}

// seqRead emits a Read tool_use and its result using a real workspace file.
func (m *mock) seqRead() {
	toolID := m.nextToolID()
	path := samplePath()
	m.toolUse(toolID, ToolRead, map[string]any{"file_path": path})
	m.pace()
	m.toolResult(toolID, fileSnippet(path, 30), false)
}

// seqEdit emits an Edit tool_use gated by a permission round trip.
func (m *mock) seqEdit() {
	toolID := m.nextToolID()
	path := samplePath()
	old, updated := editFragment(path)
	input := map[string]any{"file_path": path, "old_string": old, "new_string": updated}
	m.toolUse(toolID, ToolEdit, input)

	if m.askPermission(ToolEdit, toolID, input) {
		m.toolResult(toolID, "File edited: "+path, false)
	} else {
		m.toolResult(toolID, "Permission denied for Edit", true)
		m.text("Edit was denied, skipping.", "")
	}
}

// seqBash emits a Bash tool_use gated by a permission round trip.
func (m *mock) seqBash() {
	toolID := m.nextToolID()
	input := map[string]any{"command": "ls -la", "description": "List workspace files"}
	m.toolUse(toolID, ToolBash, input)

	if m.askPermission(ToolBash, toolID, input) {
		m.toolResult(toolID, "total 12\ndrwxr-xr-x  3 agent agent 4096 .\n-rw-r--r--  1 agent agent  120 README.md", false)
	} else {
		m.toolResult(toolID, "Permission denied for Bash", true)
		m.text("Command was denied, skipping.", "")
	}
}

// seqGrep emits a Grep tool_use with results built from real paths.
func (m *mock) seqGrep() {
	toolID := m.nextToolID()
	m.toolUse(toolID, ToolGrep, map[string]any{"pattern": "func ", "path": "."})
	m.pace()

	var results []string
	for i, p := range samplePaths(3) {
		results = append(results, fmt.Sprintf("%s:%d:func found here", p, (i+1)*10))
	}
	m.toolResult(toolID, strings.Join(results, "\n"), false)
}

// seqWebFetch emits a WebFetch tool_use and a canned result.
func (m *mock) seqWebFetch() {
	toolID := m.nextToolID()
	m.toolUse(toolID, ToolWebFetch, map[string]any{
		"url":    "https://example.com/api/docs",
		"prompt": "Extract the API endpoints",
	})
	m.pace()
	m.toolResult(toolID, "GET /v1/items lists items\nPOST /v1/items creates an item", false)
}
