package wire

// Environment contract between the pool and the worker processes it spawns.
// The socket path and target identity travel over the environment because
// the worker must connect and drop privileges before any protocol traffic.
const (
	// EnvSocketPath is the Unix socket the worker must connect to on startup.
	EnvSocketPath = "WORKER_SOCKET_PATH"

	// EnvWorkspaceKey identifies the workspace the worker is bound to.
	EnvWorkspaceKey = "WORKER_WORKSPACE_KEY"

	// EnvTargetUID and EnvTargetGID are the numeric POSIX identity the worker
	// assumes after connecting. "0 0" means stay as the pool's own identity.
	EnvTargetUID = "TARGET_UID"
	EnvTargetGID = "TARGET_GID"

	// EnvTargetCwd is the working directory for agent runs.
	EnvTargetCwd = "TARGET_CWD"

	// EnvSessionsDir is the base directory under which the worker creates its
	// per-workspace session home.
	EnvSessionsDir = "WORKER_SESSIONS_DIR"

	// EnvAgentPath is the agent CLI command the worker executes, as a
	// space-separated argv.
	EnvAgentPath = "WORKER_AGENT_PATH"

	// EnvSkillsDir is the host-global directory of agent skill files copied
	// into each session home on startup.
	EnvSkillsDir = "WORKER_SKILLS_DIR"

	// EnvPolicyPath points at a YAML file overriding the embedded
	// tool-permission policy.
	EnvPolicyPath = "WORKER_POLICY_PATH"
)
