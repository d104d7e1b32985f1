package child

import (
	"context"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/wire"
)

// fakeAliveCmd starts a trivial real process so Host.IsAlive (which
// inspects cmd.Process/cmd.ProcessState) reports true without exercising
// the actual spawn/handshake path under test.
func fakeAliveCmd(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

// testChild wires a Host to one end of an in-memory net.Pipe, standing
// in for a real child process so Execute/Ping/CacheOp can be exercised
// without spawning anything, mirroring the pack's use of net.Pipe for
// connection-level tests.
func testChild(t *testing.T) (*Host, *wire.Codec, net.Conn) {
	t.Helper()
	parentConn, childConn := net.Pipe()
	h := &Host{
		ID:    1,
		cfg:   Config{CancelTimeout: 50 * time.Millisecond},
		conn:  parentConn,
		codec: wire.NewCodec(),
	}
	h.state.Store(int32(StateIdle))
	h.cmd = fakeAliveCmd(t)
	t.Cleanup(func() { parentConn.Close(); childConn.Close() })
	return h, wire.NewCodec(), childConn
}

type recordingHandler struct {
	headers *wire.ReplyHeadersPayload
	chunks  [][]byte
}

func (r *recordingHandler) Headers(h *wire.ReplyHeadersPayload) { r.headers = h }
func (r *recordingHandler) Chunk(c *wire.ReplyChunkPayload)      { r.chunks = append(r.chunks, c.Bytes) }
func (r *recordingHandler) Event(*wire.EventPayload)            {}

func TestExecuteStreamsHeadersChunksAndEnd(t *testing.T) {
	h, codec, childConn := testChild(t)

	go func() {
		env, err := codec.ReadMessage(childConn)
		require.NoError(t, err)
		require.Equal(t, wire.KindRequest, env.Kind)

		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind:         wire.KindReplyHeaders,
			ID:           env.ID,
			ReplyHeaders: &wire.ReplyHeadersPayload{Status: 200, Headers: map[string][]string{"X": {"y"}}},
		}))
		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind:       wire.KindReplyChunk,
			ID:         env.ID,
			ReplyChunk: &wire.ReplyChunkPayload{Bytes: []byte("hello")},
		}))
		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind:     wire.KindReplyEnd,
			ID:       env.ID,
			ReplyEnd: &wire.ReplyEndPayload{OK: true},
		}))
	}()

	rh := &recordingHandler{}
	err := h.Execute(context.Background(), &wire.RequestPayload{RequestID: "r1"}, rh)
	require.NoError(t, err)
	require.Equal(t, 200, rh.headers.Status)
	require.Equal(t, [][]byte{[]byte("hello")}, rh.chunks)
	require.Equal(t, StateIdle, h.State())
	require.EqualValues(t, 1, h.RequestCount())
}

func TestExecuteReportsChildError(t *testing.T) {
	h, codec, childConn := testChild(t)

	go func() {
		env, err := codec.ReadMessage(childConn)
		require.NoError(t, err)
		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind:     wire.KindReplyEnd,
			ID:       env.ID,
			ReplyEnd: &wire.ReplyEndPayload{OK: false, Error: "boom"},
		}))
	}()

	rh := &recordingHandler{}
	err := h.Execute(context.Background(), &wire.RequestPayload{RequestID: "r1"}, rh)
	require.Error(t, err)
	require.EqualValues(t, 1, h.FailureCount())
}

func TestExecuteCancelSendsCancelOp(t *testing.T) {
	h, codec, childConn := testChild(t)
	ctx, cancel := context.WithCancel(context.Background())

	gotCancel := make(chan struct{})
	go func() {
		_, err := codec.ReadMessage(childConn) // request
		require.NoError(t, err)
		cancel()
		env, err := codec.ReadMessage(childConn) // cancel op
		require.NoError(t, err)
		require.Equal(t, wire.KindCancelOp, env.Kind)
		close(gotCancel)
		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind:     wire.KindReplyEnd,
			ID:       env.ID,
			ReplyEnd: &wire.ReplyEndPayload{OK: true},
		}))
	}()

	rh := &recordingHandler{}
	err := h.Execute(ctx, &wire.RequestPayload{RequestID: "r1"}, rh)
	require.Error(t, err)
	<-gotCancel
}

func TestPingRoundTrip(t *testing.T) {
	h, codec, childConn := testChild(t)

	go func() {
		env, err := codec.ReadMessage(childConn)
		require.NoError(t, err)
		require.NoError(t, codec.WriteMessage(childConn, &wire.Envelope{
			Kind: wire.KindPing, ID: env.ID, Ping: env.Ping,
		}))
	}()

	reply, err := h.Ping(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, reply)
}

func TestStateStringValues(t *testing.T) {
	require.Equal(t, "starting", StateStarting.String())
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "busy", StateBusy.String())
	require.Equal(t, "draining", StateDraining.String())
	require.Equal(t, "dead", StateDead.String())
}
