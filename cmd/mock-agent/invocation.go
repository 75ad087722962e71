package main

import (
	"strconv"
	"strings"
)

// invocation is the parsed command line of one run. The pool launches the
// agent CLI once per query with the prompt as the final argument, so there
// is no interactive loop to configure.
type invocation struct {
	Prompt         string
	Model          string
	OutputFormat   string
	PermissionTool string // value of --permission-prompt-tool, "" when absent
	PermissionMode string
	Resume         string
	ResumeAt       string
	MaxTurns       int
	AllowedTools   []string
	MCPConfig      string
	Verbose        bool
}

// askPermission reports whether tool calls must round-trip a can_use_tool
// control request before running.
func (inv invocation) askPermission() bool {
	return inv.PermissionTool == "stdio"
}

// valueFlags take their argument in the next position when not written as
// --flag=value.
var valueFlags = map[string]bool{
	"--model":                  true,
	"--append-system-prompt":   true,
	"--resume":                 true,
	"--resume-session-at":      true,
	"--max-turns":              true,
	"--permission-mode":        true,
	"--mcp-config":             true,
	"--output-format":          true,
	"--permission-prompt-tool": true,
	"--allowedTools":           true,
	"--disallowedTools":        true,
	"--setting-sources":        true,
}

// parseInvocation reads the argument list the way the agent CLI does: flags
// in any order, both --flag value and --flag=value forms, unknown flags
// ignored, and the prompt as the last positional argument.
func parseInvocation(args []string) invocation {
	inv := invocation{
		Model:        "mock-default",
		OutputFormat: "text",
	}

	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}

		name, value := arg, ""
		hasValue := false
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			name, value = arg[:eq], arg[eq+1:]
			hasValue = true
		}
		if !hasValue && valueFlags[name] && i+1 < len(args) {
			i++
			value = args[i]
		}

		switch name {
		case "--model":
			if value != "" {
				inv.Model = value
			}
		case "--output-format":
			inv.OutputFormat = value
		case "--permission-prompt-tool":
			inv.PermissionTool = value
		case "--permission-mode":
			inv.PermissionMode = value
		case "--resume":
			inv.Resume = value
		case "--resume-session-at":
			inv.ResumeAt = value
		case "--max-turns":
			if n, err := strconv.Atoi(value); err == nil {
				inv.MaxTurns = n
			}
		case "--allowedTools":
			inv.AllowedTools = splitToolList(value)
		case "--mcp-config":
			inv.MCPConfig = value
		case "--verbose":
			inv.Verbose = true
		case "-p", "--print":
			// one-shot mode, the only mode this mock speaks
		default:
			// tolerate flags this mock does not model
		}
	}

	if len(positional) > 0 {
		inv.Prompt = positional[len(positional)-1]
	}
	return inv
}

func splitToolList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tools := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tools = append(tools, p)
		}
	}
	return tools
}
