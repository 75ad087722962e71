// Command mock-agent is a stand-in for the real agent CLI. It is invoked
// once per query with the prompt as the last argument, prints a stream-json
// transcript on stdout, and answers tool-permission control requests over
// stdin. Prompt directives select failure modes, long runs, and tool flows
// so pool behavior can be exercised without a real agent.
//
// Point the pool at it with AGENTPOOL_WORKER_AGENT_PATH=mock-agent.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alivehq/agentpool/pkg/wire"
)

func main() {
	inv := parseInvocation(os.Args[1:])

	if inv.OutputFormat != "stream-json" {
		fmt.Fprintln(os.Stderr, "mock-agent: only --output-format=stream-json is supported")
		os.Exit(2)
	}

	// Resumed runs keep their session id, fresh runs mint one per process.
	sessionID := inv.Resume
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())
	}

	cwd, _ := os.Getwd()

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), wire.MaxFrameBuffer)

	m := newMock(json.NewEncoder(os.Stdout), in, inv, sessionID, cwd)
	os.Exit(m.run())
}
