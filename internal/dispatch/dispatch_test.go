package dispatch

import (
	"context"
	"io"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/child"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// pipedChild builds a *child.Host backed by a net.Pipe, mirroring the
// child package's own test helper, so the dispatcher can be exercised
// without spawning a real rendering-engine process.
func pipedChild(t *testing.T, id int) (*child.Host, net.Conn) {
	t.Helper()
	parentConn, childConn := net.Pipe()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	t.Cleanup(func() { parentConn.Close(); childConn.Close() })

	h := child.NewForTest(id, Config{}.Child, cmd, parentConn)
	return h, childConn
}

func newTestPool(t *testing.T, n int) (*Pool, []net.Conn) {
	t.Helper()
	log := logging.New("error")
	p := &Pool{
		cfg:           Config{NumProcesses: n, MaxWaitingRequests: 4},
		log:           log,
		available:     make(chan *child.Host, n),
		pressureEWMA:  ewma.NewMovingAverage(),
		lastRespawnAt: make(map[int]time.Time),
	}
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		h, conn := pipedChild(t, i)
		p.children = append(p.children, h)
		p.available <- h
		conns = append(conns, conn)
	}
	return p, conns
}

type recordingHandler struct{}

func (recordingHandler) Headers(*wire.ReplyHeadersPayload) {}
func (recordingHandler) Chunk(*wire.ReplyChunkPayload)     {}
func (recordingHandler) Event(*wire.EventPayload)          {}

func serveOneRequest(t *testing.T, codec *wire.Codec, conn net.Conn, ok bool) {
	t.Helper()
	go func() {
		env, err := codec.ReadMessage(conn)
		require.NoError(t, err)
		require.NoError(t, codec.WriteMessage(conn, &wire.Envelope{
			Kind:     wire.KindReplyEnd,
			ID:       env.ID,
			ReplyEnd: &wire.ReplyEndPayload{OK: ok},
		}))
	}()
}

func TestExecuteRoutesToAnIdleChildAndReleasesIt(t *testing.T) {
	p, conns := newTestPool(t, 1)
	codec := wire.NewCodec()
	serveOneRequest(t, codec, conns[0], true)

	err := p.Execute(context.Background(), &wire.RequestPayload{RequestID: "r1"}, recordingHandler{})
	require.NoError(t, err)

	select {
	case h := <-p.available:
		require.Equal(t, child.StateIdle, h.State())
	default:
		t.Fatal("expected child to be returned to the available queue")
	}
}

func TestAcquireFastFailsWhenWaitingQueueIsFull(t *testing.T) {
	p, _ := newTestPool(t, 1)
	// Drain the only available child so the next Acquire has to wait.
	<-p.available
	p.cfg.MaxWaitingRequests = 1

	blockedCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = p.Acquire(blockedCtx) }()
	require.Eventually(t, func() bool { return p.waiting.Load() == 1 }, time.Second, time.Millisecond)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
}

func TestAcquireRejectsSecondCallerWhenNoWaitingSlotsAreConfigured(t *testing.T) {
	p, _ := newTestPool(t, 1)
	p.cfg.MaxWaitingRequests = 0

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	p.Release(h)
}

func TestFailurePressureRisesOnDeathAndDecaysWithoutNewOnes(t *testing.T) {
	p, _ := newTestPool(t, 2)
	require.Zero(t, p.FailurePressure())

	p.recordDeath()
	p.sampleDeathRate()
	require.Equal(t, 0.5, p.FailurePressure())

	p.sampleDeathRate()
	require.Less(t, p.FailurePressure(), 0.5)
}

func TestSampleDeathRateResetsTheTickCounter(t *testing.T) {
	p, _ := newTestPool(t, 2)

	p.recordDeath()
	require.Equal(t, 1, p.deathsSinceTick)

	p.sampleDeathRate()
	require.Zero(t, p.deathsSinceTick)
}

func TestStatsReportsTotalsAndPressure(t *testing.T) {
	p, _ := newTestPool(t, 2)
	s := p.Stats()
	require.Equal(t, 2, s.Total)
	require.Equal(t, 2, s.Idle)
	require.Equal(t, 0, s.Dead)
	require.Zero(t, s.DeadFraction)
}

func TestBroadcastCollectsPerChildOutcomesIndependently(t *testing.T) {
	p, conns := newTestPool(t, 2)
	codec := wire.NewCodec()

	go func() {
		env, err := codec.ReadMessage(conns[0])
		require.NoError(t, err)
		require.NoError(t, codec.WriteMessage(conns[0], &wire.Envelope{Kind: wire.KindCacheOp, ID: env.ID}))
	}()
	// conns[1]'s child end is closed before the broadcast runs, so its
	// CacheOp call fails immediately rather than the failure on one
	// child blocking collection of the other's outcome.
	conns[1].Close()

	results := p.Broadcast(context.Background(), func(h *child.Host) (*wire.Envelope, error) {
		return h.CacheOp(context.Background(), &wire.CacheOpPayload{Op: wire.CacheOpList})
	})

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Envelope)
	require.Error(t, results[1].Err)
}

func TestDeadFractionCountsDeadChildren(t *testing.T) {
	p, _ := newTestPool(t, 2)
	p.children[0].ForceDead()

	require.Equal(t, 0.5, p.DeadFraction())
}

// TestStopNeverPanicsAgainstConcurrentRelease exercises the race Stop
// must not lose to: every child is released back to the pool at the
// same moment Stop starts draining it. enqueue's closed check and the
// channel send are serialized under sendMu, and the available channel
// is never closed, so neither side can observe a send on a closed
// channel.
func TestStopNeverPanicsAgainstConcurrentRelease(t *testing.T) {
	p, conns := newTestPool(t, 4)
	for _, c := range conns {
		go func(c net.Conn) { _, _ = io.Copy(io.Discard, c) }(c)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		h := <-p.available
		wg.Add(1)
		go func(h *child.Host) {
			defer wg.Done()
			p.Release(h)
		}(h)
	}

	require.NotPanics(t, func() { p.Stop(20 * time.Millisecond) })
	wg.Wait()
}

func TestRequestPressureTracksWaitingFraction(t *testing.T) {
	p, _ := newTestPool(t, 1)
	p.cfg.MaxWaitingRequests = 4
	p.waiting.Store(2)
	require.Equal(t, 0.5, p.RequestPressure())
}
