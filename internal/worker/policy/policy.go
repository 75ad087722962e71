// Package policy holds the host-level tool policy the worker enforces in its
// permission callback: the plan-mode blocked set and the heavy-command deny
// list. Both ship as embedded data so operators can audit them without
// reading code.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyData []byte

// Tool names with dedicated rules in the permission chain.
const (
	ToolBash         = "Bash"
	ToolExitPlanMode = "ExitPlanMode"
)

// PermissionModePlan bans modification tools; exploration only.
const PermissionModePlan = "plan"

// Policy is the parsed host policy.
type Policy struct {
	heavyBash   []string
	planBlocked map[string]bool
}

// policyFile is the on-disk shape of policy.yaml.
type policyFile struct {
	HeavyBash       []string `yaml:"heavyBash"`
	PlanModeBlocked []string `yaml:"planModeBlocked"`
}

// Parse builds a Policy from YAML.
func Parse(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	p := &Policy{
		heavyBash:   f.HeavyBash,
		planBlocked: make(map[string]bool, len(f.PlanModeBlocked)),
	}
	for _, tool := range f.PlanModeBlocked {
		p.planBlocked[tool] = true
	}
	return p, nil
}

// LoadFile reads a policy override from a YAML file of the same shape as the
// embedded one.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

var (
	defaultPolicy     *Policy
	defaultPolicyOnce sync.Once
)

// Default returns the embedded host policy.
func Default() *Policy {
	defaultPolicyOnce.Do(func() {
		p, err := Parse(policyData)
		if err != nil {
			// The embedded file is validated by tests; reaching this means a
			// broken build.
			panic(err)
		}
		defaultPolicy = p
	})
	return defaultPolicy
}

// ToolRequest is one tool-permission question from the agent runtime.
type ToolRequest struct {
	Tool  string
	Input map[string]any

	PermissionMode  string
	Superadmin      bool
	AllowedTools    []string
	DisallowedTools []string

	// ConnectedProviders is the set of OAuth-MCP providers with a live
	// connection for the requesting user.
	ConnectedProviders map[string]bool
}

// Decision is the outcome of the permission chain.
type Decision struct {
	Allow  bool
	Reason string // set when denied
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Evaluate runs the permission chain for one tool request. Order matters:
// explicit denials outrank every allow rule, and the default is deny.
func (p *Policy) Evaluate(req ToolRequest) Decision {
	for _, tool := range req.DisallowedTools {
		if tool == req.Tool {
			return deny(fmt.Sprintf("tool %q is disallowed for this request", req.Tool))
		}
	}

	if req.PermissionMode == PermissionModePlan && p.planBlocked[req.Tool] {
		return deny(fmt.Sprintf("tool %q modifies state and plan mode is active", req.Tool))
	}

	if req.Tool == ToolExitPlanMode {
		return deny("plan exit requires out-of-band approval")
	}

	if !req.Superadmin && req.Tool == ToolBash {
		if pattern := p.matchHeavy(commandOf(req.Input)); pattern != "" {
			return deny(fmt.Sprintf("command matches the heavy deny list (%q)", pattern))
		}
	}

	for _, tool := range req.AllowedTools {
		if tool == req.Tool {
			return Decision{Allow: true}
		}
	}
	if provider, ok := MCPProvider(req.Tool); ok && req.ConnectedProviders[provider] {
		return Decision{Allow: true}
	}

	return deny(fmt.Sprintf("tool %q is not in the allowed set", req.Tool))
}

// matchHeavy returns the first deny-list pattern contained in command, or "".
func (p *Policy) matchHeavy(command string) string {
	if command == "" {
		return ""
	}
	for _, pattern := range p.heavyBash {
		if strings.Contains(command, pattern) {
			return pattern
		}
	}
	return ""
}

// HeavyBash exposes the deny-list patterns for diagnostics.
func (p *Policy) HeavyBash() []string {
	out := make([]string, len(p.heavyBash))
	copy(out, p.heavyBash)
	return out
}

// MCPProvider extracts the provider from an OAuth-MCP tool name of the form
// mcp__<provider>__<tool>.
func MCPProvider(tool string) (string, bool) {
	rest, ok := strings.CutPrefix(tool, "mcp__")
	if !ok {
		return "", false
	}
	provider, _, ok := strings.Cut(rest, "__")
	if !ok || provider == "" {
		return "", false
	}
	return provider, true
}

func commandOf(input map[string]any) string {
	cmd, _ := input["command"].(string)
	return cmd
}
