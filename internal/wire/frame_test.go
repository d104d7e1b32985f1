package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	codec := NewCodec()
	original := []byte("hello, msgpack world")

	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, original))
	require.Equal(t, 4+len(original), buf.Len())

	got, err := codec.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	codec := NewCodec()
	buf := bytes.NewBuffer([]byte{0x00, 0x01})
	_, err := codec.ReadFrame(buf)
	require.Error(t, err)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReadFrameOversized(t *testing.T) {
	codec := &Codec{MaxFrameSize: 4}
	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(bytes.NewBuffer(nil), nil))
	// Craft an oversized header manually since WriteFrame would reject it too.
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10})
	_, err := codec.ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	codec := NewCodec()
	env := &Envelope{
		Kind: KindRequest,
		ID:   42,
		Request: &RequestPayload{
			Kind:      RequestOwsOgc,
			Method:    "GET",
			URL:       "/ows?SERVICE=WMS",
			Target:    "/projects/a.qgs",
			Headers:   map[string][]string{"Accept": {"application/json"}},
			Body:      []byte("body"),
			RequestID: "req-1",
			TimeoutMs: 5000,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, env))

	got, err := codec.ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KindRequest, got.Kind)
	require.Equal(t, uint64(42), got.ID)
	require.NotNil(t, got.Request)
	require.Equal(t, "req-1", got.Request.RequestID)
	require.Equal(t, RequestOwsOgc, got.Request.Kind)
}

func TestCacheOpRoundTrip(t *testing.T) {
	codec := NewCodec()
	env := &Envelope{
		Kind: KindCacheOp,
		ID:   7,
		CacheOp: &CacheOpPayload{
			Op:   CacheOpCheckout,
			URI:  "/projects/a.qgs",
			Pull: true,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, env))

	got, err := codec.ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, CacheOpCheckout, got.CacheOp.Op)
	require.True(t, got.CacheOp.Pull)
}
