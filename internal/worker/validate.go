package worker

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alivehq/agentpool/pkg/wire"
)

var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

var knownStreamTypes = map[wire.StreamType]bool{
	wire.StreamSession:  true,
	wire.StreamMessage:  true,
	wire.StreamComplete: true,
	wire.StreamError:    true,
}

// validatePayload checks the request envelope before any runtime work starts.
// It returns all problems at once, sorted, so callers can fix a payload in
// one round trip.
func validatePayload(req wire.AgentRequest) []string {
	var reasons []string

	if strings.TrimSpace(req.Message) == "" {
		reasons = append(reasons, "message must be a non-empty string")
	}
	if req.MaxTurns < 0 {
		reasons = append(reasons, fmt.Sprintf("maxTurns must be positive, got %d", req.MaxTurns))
	}
	for _, t := range req.AgentConfig.StreamTypes {
		if !knownStreamTypes[t] {
			reasons = append(reasons, fmt.Sprintf("unknown stream type %q", t))
		}
	}
	for name := range req.UserEnvKeys {
		if !envKeyPattern.MatchString(name) {
			reasons = append(reasons, fmt.Sprintf("invalid user env key %q", name))
		}
	}
	for provider, srv := range req.AgentConfig.OAuthMCPServers {
		if srv.URL == "" {
			reasons = append(reasons, fmt.Sprintf("oauth mcp server %q has no url", provider))
		}
	}

	sort.Strings(reasons)
	return reasons
}

// validateCwd enforces the working-directory contract: absolute, clean of
// parent traversal, and existing (checked by the Chdir that follows).
func validateCwd(cwd string) error {
	if cwd == "" {
		return fmt.Errorf("worker: cwd is empty")
	}
	if !filepath.IsAbs(cwd) {
		return fmt.Errorf("worker: cwd %q is not absolute", cwd)
	}
	for _, seg := range strings.Split(filepath.ToSlash(cwd), "/") {
		if seg == ".." {
			return fmt.Errorf("worker: cwd %q contains a parent traversal", cwd)
		}
	}
	return nil
}
