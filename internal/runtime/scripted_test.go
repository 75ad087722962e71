package runtime

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedStreamOrder(t *testing.T) {
	rt := NewScripted(&ScriptedRun{
		SessionID: "sess-7",
		Chunks:    []json.RawMessage{json.RawMessage(`{"type":"assistant","n":1}`)},
		Result:    json.RawMessage(`"ok"`),
	})

	st, err := rt.Query(context.Background(), "hello", Options{Model: "sonnet"})
	require.NoError(t, err)
	defer st.Close()

	msg, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindInit, msg.Kind)
	assert.Equal(t, "sess-7", msg.SessionID)

	msg, err = st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindChunk, msg.Kind)

	msg, err = st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindResult, msg.Kind)
	assert.Equal(t, json.RawMessage(`"ok"`), msg.Result)

	_, err = st.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Prompt)
	assert.Equal(t, "sonnet", calls[0].Opts.Model)
}

func TestScriptedRunsServeInOrderAndRepeatLast(t *testing.T) {
	rt := NewScripted(
		&ScriptedRun{SessionID: "first"},
		&ScriptedRun{SessionID: "second"},
	)

	for _, want := range []string{"first", "second", "second"} {
		st, err := rt.Query(context.Background(), "p", Options{})
		require.NoError(t, err)
		msg, err := st.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, msg.SessionID)
		st.Close()
	}
}

func TestScriptedBlockUnblocksOnClose(t *testing.T) {
	rt := NewScripted(&ScriptedRun{SessionID: "s", Block: true})
	st, err := rt.Query(context.Background(), "p", Options{})
	require.NoError(t, err)

	_, err = st.Next(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		st.Close()
	}()
	_, err = st.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestScriptedBlockHonoursContext(t *testing.T) {
	rt := NewScripted(&ScriptedRun{SessionID: "s", Block: true})
	st, err := rt.Query(context.Background(), "p", Options{})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = st.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedStartErr(t *testing.T) {
	rt := NewScripted(&ScriptedRun{StartErr: io.ErrUnexpectedEOF})
	_, err := rt.Query(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestScriptedErrEndsStream(t *testing.T) {
	rt := NewScripted(&ScriptedRun{
		SessionID: "s",
		Err:       io.ErrClosedPipe,
		Stderr:    []string{"boom line"},
	})
	st, err := rt.Query(context.Background(), "p", Options{})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Next(context.Background())
	require.NoError(t, err)

	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, []string{"boom line"}, st.StderrTail())
}
