package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/3liz/qjazz/internal/admin"
	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

func TestMsgpackCodecRoundTrips(t *testing.T) {
	c := msgpackCodec{}
	require.Equal(t, "msgpack", c.Name())

	in := &wire.RequestPayload{Kind: wire.RequestOwsOgc, Method: "GET", RequestID: "r1"}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(wire.RequestPayload)
	require.NoError(t, c.Unmarshal(data, out))
	require.Equal(t, in.RequestID, out.RequestID)
	require.Equal(t, in.Method, out.Method)
}

func TestGrpcCodeMapsEveryErrsKind(t *testing.T) {
	cases := map[errs.Kind]codes.Code{
		errs.BadRequest:       codes.InvalidArgument,
		errs.NotFound:         codes.NotFound,
		errs.Unavailable:      codes.Unavailable,
		errs.DeadlineExceeded: codes.DeadlineExceeded,
		errs.Cancelled:        codes.Canceled,
		errs.Internal:         codes.Internal,
	}
	for kind, want := range cases {
		require.Equal(t, want, grpcCode(kind))
	}
}

func TestErrPublicNeverLeaksInternalDetail(t *testing.T) {
	wrapped := errs.New(errs.Internal, "child.execute", errors.New("segfault in native renderer"))
	require.Equal(t, "internal error", errPublic(wrapped))

	notFound := errs.New(errs.NotFound, "admin.query", errors.New("/a.qgs not in cache"))
	require.Contains(t, errPublic(notFound), "/a.qgs not in cache")
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logging.New("error")
	pool := dispatch.NewForTest(dispatch.Config{}, log, nil)
	restore, err := config.NewRestoreList(nil, "", "", log)
	require.NoError(t, err)
	adminSvc := admin.New(pool, restore, config.Default(), log)
	return NewServer(pool, adminSvc, log)
}

func TestServerStatsPassesThroughPoolStats(t *testing.T) {
	s := newTestServer(t)
	reply, err := s.Stats(context.Background(), &wire.CacheOpPayload{})
	require.NoError(t, err)
	require.Equal(t, 0, reply.Total)
}

func TestServerSetServerServingStatusErrorsWithoutHealthController(t *testing.T) {
	s := newTestServer(t)
	_, err := s.SetServerServingStatus(context.Background(), &wire.CacheOpPayload{ServingStatus: "not_serving"})
	require.Error(t, err)
}

func TestToWireOutcomesConvertsErrorsToStrings(t *testing.T) {
	in := []admin.ChildOutcome{
		{ChildID: 0, Result: &wire.CacheResultPayload{Status: wire.StatusUnchanged}},
		{ChildID: 1, Err: errors.New("child 1 is dead")},
	}
	out := toWireOutcomes(in)

	require.Len(t, out, 2)
	require.Equal(t, wire.StatusUnchanged, out[0].Result.Status)
	require.Empty(t, out[0].Error)
	require.Nil(t, out[1].Result)
	require.Equal(t, "child 1 is dead", out[1].Error)
}
