package admin

import (
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/child"
	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// pipedChild builds a *child.Host backed by a net.Pipe, the same
// connection-level test pattern internal/dispatch uses, so the admin
// service can be exercised without a real rendering-engine process.
func pipedChild(t *testing.T, id int) (*child.Host, net.Conn) {
	t.Helper()
	parentConn, childConn := net.Pipe()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	t.Cleanup(func() { parentConn.Close(); childConn.Close() })

	h := child.NewForTest(id, child.Config{}, cmd, parentConn)
	return h, childConn
}

func newTestService(t *testing.T, n int) (*Service, []net.Conn) {
	t.Helper()
	log := logging.New("error")
	children := make([]*child.Host, 0, n)
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		h, conn := pipedChild(t, i)
		children = append(children, h)
		conns = append(conns, conn)
	}
	pool := dispatch.NewForTest(dispatch.Config{}, log, children)
	restore, err := config.NewRestoreList(nil, "", "", log)
	require.NoError(t, err)
	return New(pool, restore, config.Default(), log), conns
}

// serveCacheOp replies to the next CacheOp frame read from conn with
// result, round-tripping the request id.
func serveCacheOp(t *testing.T, conn net.Conn, result *wire.CacheResultPayload) {
	t.Helper()
	codec := wire.NewCodec()
	go func() {
		env, err := codec.ReadMessage(conn)
		if err != nil {
			return
		}
		_ = codec.WriteMessage(conn, &wire.Envelope{
			Kind:        wire.KindCacheResult,
			ID:          env.ID,
			CacheResult: result,
		})
	}()
}

func TestDropProjectBroadcastsToEveryChildAndUnpinsFromRestoreList(t *testing.T) {
	svc, conns := newTestService(t, 2)
	svc.restore.Add("/projects/a.qgs")

	serveCacheOp(t, conns[0], &wire.CacheResultPayload{Status: wire.StatusRemoved})
	serveCacheOp(t, conns[1], &wire.CacheResultPayload{Status: wire.StatusRemoved})

	outcomes := svc.DropProject(context.Background(), "/projects/a.qgs")

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		require.Equal(t, wire.StatusRemoved, o.Result.Status)
	}
	require.NotContains(t, svc.restore.Snapshot(), "/projects/a.qgs")
}

func TestBroadcastReportsOneChildsErrorWithoutFailingTheOthers(t *testing.T) {
	svc, conns := newTestService(t, 2)
	serveCacheOp(t, conns[0], &wire.CacheResultPayload{Status: wire.StatusUnchanged})
	conns[1].Close()

	outcomes := svc.ListCache(context.Background())

	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	require.Error(t, outcomes[1].Err)
}

func TestGetEnvCachesAfterFirstSuccessfulQuery(t *testing.T) {
	svc, conns := newTestService(t, 1)
	serveCacheOp(t, conns[0], &wire.CacheResultPayload{Env: map[string]string{"QGIS_VERSION": "3.34"}})

	env, err := svc.GetEnv(context.Background())
	require.NoError(t, err)
	require.Equal(t, "3.34", env["QGIS_VERSION"])

	// A second call must not attempt another round trip: no responder
	// is armed on conns[0], so a live query here would hang.
	env2, err := svc.GetEnv(context.Background())
	require.NoError(t, err)
	require.Equal(t, env, env2)
}

func TestSetConfigAppliesNonColdFieldChange(t *testing.T) {
	svc, _ := newTestService(t, 0)

	err := svc.SetConfig(context.Background(), []byte("server:\n  listen: \"0.0.0.0:9999\"\n"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", svc.GetConfig().Server.Listen)
}

func TestColdFieldsChangedDetectsProcessCountChange(t *testing.T) {
	old := config.Default()
	updated := *old
	updated.Worker.NumProcesses = old.Worker.NumProcesses + 1

	require.True(t, coldFieldsChanged(old, &updated))
	require.False(t, coldFieldsChanged(old, old))
}

func TestCheckoutProjectBroadcastsPullFlagToEveryChild(t *testing.T) {
	svc, conns := newTestService(t, 2)
	serveCacheOp(t, conns[0], &wire.CacheResultPayload{Status: wire.StatusNew})
	serveCacheOp(t, conns[1], &wire.CacheResultPayload{Status: wire.StatusNew})

	outcomes := svc.CheckoutProject(context.Background(), "/projects/a.qgs", true)

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		require.Equal(t, wire.StatusNew, o.Result.Status)
	}
}

func TestStatsPassesThroughPoolStats(t *testing.T) {
	svc, _ := newTestService(t, 3)
	stats := svc.Stats()
	require.Equal(t, 3, stats.Total)
}

type fakeServingStatusSetter struct {
	status string
}

func (f *fakeServingStatusSetter) SetServingStatus(status string) error {
	f.status = status
	return nil
}

func TestSetServerServingStatusForwardsToWiredHealthController(t *testing.T) {
	svc, _ := newTestService(t, 0)

	require.Error(t, svc.SetServerServingStatus("not_serving"))

	fake := &fakeServingStatusSetter{}
	svc.SetHealthController(fake)
	require.NoError(t, svc.SetServerServingStatus("not_serving"))
	require.Equal(t, "not_serving", fake.status)
}
