package worker

import (
	"os"
	"strings"

	"github.com/alivehq/agentpool/pkg/wire"
)

const (
	sessionCookieEnv = "ALIVE_SESSION_COOKIE"
	apiKeyEnv        = "ANTHROPIC_API_KEY"
	userEnvPrefix    = "USER_"
)

// osEnviron is swapped out in tests.
var osEnviron = os.Environ

// buildQueryEnv derives the agent process environment for one request from
// the worker's own environment. Everything a previous request injected is
// stripped first: all USER_* variables, the session cookie, and the API key.
// The cookie and key are then set only when the new payload carries them, so
// an absent key lets the runtime fall back to the shared credentials file.
// User-supplied variables are namespaced under USER_ so they can never shadow
// the worker's own environment.
func buildQueryEnv(base []string, req wire.AgentRequest) []string {
	env := make([]string, 0, len(base)+len(req.UserEnvKeys)+2)
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(name, userEnvPrefix) || name == sessionCookieEnv || name == apiKeyEnv {
			continue
		}
		env = append(env, kv)
	}
	if req.SessionCookie != "" {
		env = append(env, sessionCookieEnv+"="+req.SessionCookie)
	}
	if req.APIKey != "" {
		env = append(env, apiKeyEnv+"="+req.APIKey)
	}
	for name, value := range req.UserEnvKeys {
		env = append(env, userEnvPrefix+name+"="+value)
	}
	return env
}
