package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// ScriptedRun describes one run replayed by a Scripted runtime.
type ScriptedRun struct {
	SessionID string
	Chunks    []json.RawMessage
	Result    json.RawMessage
	IsError   bool

	// StartErr fails Query before a stream exists.
	StartErr error
	// Err ends the stream with a failure instead of a result.
	Err error
	// Block parks the stream after the chunks until the context is cancelled
	// or the stream is closed.
	Block bool
	// StepDelay pauses before each message.
	StepDelay time.Duration
	// Stderr is returned from StderrTail.
	Stderr []string
}

// ScriptedCall records one Query invocation.
type ScriptedCall struct {
	Prompt string
	Opts   Options
}

// Scripted is an in-process Runtime that replays fixed runs in order. Tests
// use it to drive the worker without an agent binary.
type Scripted struct {
	mu    sync.Mutex
	runs  []*ScriptedRun
	next  int
	calls []ScriptedCall
}

// NewScripted builds a runtime that serves the given runs in order. Queries
// past the last run repeat it.
func NewScripted(runs ...*ScriptedRun) *Scripted {
	return &Scripted{runs: runs}
}

func (s *Scripted) Query(ctx context.Context, prompt string, opts Options) (Stream, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ScriptedCall{Prompt: prompt, Opts: opts})
	if len(s.runs) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("runtime: no scripted runs")
	}
	run := s.runs[s.next]
	if s.next < len(s.runs)-1 {
		s.next++
	}
	s.mu.Unlock()

	if run.StartErr != nil {
		return nil, run.StartErr
	}
	return &scriptedStream{run: run, closed: make(chan struct{})}, nil
}

// Calls returns the recorded Query invocations.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

type scriptedStream struct {
	run  *ScriptedRun
	pos  int // 0 = init, 1..len(chunks) = chunks, then result
	done bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (st *scriptedStream) Next(ctx context.Context) (Message, error) {
	select {
	case <-st.closed:
		return Message{}, io.EOF
	default:
	}

	if st.run.StepDelay > 0 {
		select {
		case <-time.After(st.run.StepDelay):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-st.closed:
			return Message{}, io.EOF
		}
	}

	if st.pos == 0 {
		st.pos++
		raw, _ := json.Marshal(map[string]string{
			"type": "system", "subtype": "init", "session_id": st.run.SessionID,
		})
		return Message{Kind: KindInit, SessionID: st.run.SessionID, Raw: raw}, nil
	}

	if idx := st.pos - 1; idx < len(st.run.Chunks) {
		st.pos++
		return Message{Kind: KindChunk, Raw: st.run.Chunks[idx]}, nil
	}

	if st.run.Block {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-st.closed:
			return Message{}, io.EOF
		}
	}

	if st.run.Err != nil {
		return Message{}, st.run.Err
	}

	if !st.done {
		st.done = true
		raw, _ := json.Marshal(map[string]any{
			"type": "result", "session_id": st.run.SessionID,
			"is_error": st.run.IsError, "result": st.run.Result,
		})
		return Message{
			Kind:      KindResult,
			SessionID: st.run.SessionID,
			Raw:       raw,
			Result:    st.run.Result,
			IsError:   st.run.IsError,
		}, nil
	}
	return Message{}, io.EOF
}

func (st *scriptedStream) StderrTail() []string {
	return st.run.Stderr
}

func (st *scriptedStream) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}
