// Package child manages a single rendering-engine child process: its
// spawn, handshake, request/reply exchange, and termination, covering
// the full child lifecycle (Starting/Idle/Busy/Draining/Dead) the
// dispatch core needs.
package child

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// State is a child's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "starting"
	}
}

// Config controls how a child is spawned: the engine binary, socket
// directory, and the startup/cancel timeouts.
type Config struct {
	Binary              string
	Args                []string
	SockDir             string
	ProcessStartTimeout time.Duration
	CancelTimeout       time.Duration
	Env                 []string
}

// ReplyHandler receives the streamed reply frames of one request, in
// order: one Headers, then zero or more Chunk, with Event frames passed
// on as they arrive. The terminal ReplyEnd is not handed to the
// handler; it ends Execute, whose return value carries its outcome.
type ReplyHandler interface {
	Headers(*wire.ReplyHeadersPayload)
	Chunk(*wire.ReplyChunkPayload)
	Event(*wire.EventPayload)
}

// Host is one child process and the connection the parent uses to drive
// it.
type Host struct {
	ID       int
	cfg      Config
	log      *logging.Logger
	cmd      *exec.Cmd
	sockPath string
	listener net.Listener
	conn     net.Conn
	codec    *wire.Codec

	state        atomic.Int32
	banner       wire.Banner
	startedAt    time.Time
	lastActiveAt atomic.Int64 // unix nanos
	requestCount atomic.Int64
	failureCount atomic.Int64

	mu       sync.Mutex // serializes the single in-flight request
	nextMsgID atomic.Uint64
}

// Spawn starts a new child process, listens on a fresh unix-domain
// socket under cfg.SockDir, execs the engine binary with that socket
// path as an argument, and blocks until the child's handshake Banner
// arrives or cfg.ProcessStartTimeout elapses.
func Spawn(id int, cfg Config, log *logging.Logger) (*Host, error) {
	if err := os.MkdirAll(cfg.SockDir, 0o700); err != nil {
		return nil, fmt.Errorf("child: create socket dir: %w", err)
	}
	sockPath := filepath.Join(cfg.SockDir, fmt.Sprintf("child-%03d.sock", id))
	_ = os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("child: listen: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("child: chmod socket: %w", err)
	}

	args := append(append([]string{}, cfg.Args...), "--socket", sockPath)
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Stderr = os.Stderr
	cmd.Env = cfg.Env

	if err := cmd.Start(); err != nil {
		listener.Close()
		os.Remove(sockPath)
		return nil, fmt.Errorf("child: start process: %w", err)
	}

	h := &Host{
		ID:        id,
		cfg:       cfg,
		log:       log,
		cmd:       cmd,
		sockPath:  sockPath,
		listener:  listener,
		codec:     wire.NewCodec(),
		startedAt: time.Now(),
	}
	h.state.Store(int32(StateStarting))
	h.lastActiveAt.Store(time.Now().UnixNano())

	if err := h.awaitHandshake(cfg.ProcessStartTimeout); err != nil {
		h.killNow()
		return nil, err
	}

	h.state.Store(int32(StateIdle))
	log.Debug("child %d started (pid=%d, banner engine=%s)", id, h.Pid(), h.banner.EngineVersion)
	return h, nil
}

func (h *Host) awaitHandshake(timeout time.Duration) error {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := h.listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("child: accept: %w", r.err)
		}
		h.conn = r.conn
		payload, err := h.codec.ReadFrame(r.conn)
		if err != nil {
			return fmt.Errorf("child: read banner: %w", err)
		}
		var banner wire.Banner
		if err := msgpack.Unmarshal(payload, &banner); err != nil {
			return fmt.Errorf("child: decode banner: %w", err)
		}
		h.banner = banner
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("child: handshake timeout after %s", timeout)
	}
}

// Pid returns the OS process id, 0 if the process never started.
func (h *Host) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Host) State() State { return State(h.state.Load()) }

// Banner returns the handshake banner the child reported at startup.
func (h *Host) Banner() wire.Banner { return h.banner }

func (h *Host) setState(s State) { h.state.Store(int32(s)) }

func (h *Host) touch() { h.lastActiveAt.Store(time.Now().UnixNano()) }

// LastActive returns the time of the most recent request dispatched to
// this child.
func (h *Host) LastActive() time.Time {
	return time.Unix(0, h.lastActiveAt.Load())
}

// RequestCount returns the total number of requests this child has
// served since it was spawned.
func (h *Host) RequestCount() int64 { return h.requestCount.Load() }

// FailureCount returns the number of requests that ended in an error on
// this child. The dispatcher's failure-pressure EWMA does not read it;
// that metric counts child deaths.
func (h *Host) FailureCount() int64 { return h.failureCount.Load() }

// IsAlive reports whether the underlying process is still running.
func (h *Host) IsAlive() bool {
	if h.State() == StateDead {
		return false
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	if h.cmd.ProcessState != nil && h.cmd.ProcessState.Exited() {
		return false
	}
	return true
}

// Execute drives one request to completion against this child,
// enforcing single-request-at-a-time via mu. It streams replies to rh
// as they arrive and honors ctx cancellation by sending CancelOp. If the
// child has not replied within cfg.CancelTimeout it is sent SIGTERM, and
// after a second cfg.CancelTimeout without a reply, SIGKILL.
func (h *Host) Execute(ctx context.Context, req *wire.RequestPayload, rh ReplyHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.IsAlive() {
		return errs.New(errs.Unavailable, "child.execute", fmt.Errorf("child %d is dead", h.ID))
	}

	h.setState(StateBusy)
	h.touch()
	defer func() {
		if h.IsAlive() {
			h.setState(StateIdle)
		}
	}()

	id := h.nextMsgID.Add(1)
	env := &wire.Envelope{Kind: wire.KindRequest, ID: id, Request: req}
	if err := h.codec.WriteMessage(h.conn, env); err != nil {
		h.markDead()
		return errs.New(errs.Internal, "child.execute", fmt.Errorf("write request: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- h.pumpReplies(id, rh) }()

	select {
	case err := <-done:
		h.requestCount.Add(1)
		if err != nil {
			h.failureCount.Add(1)
		}
		return err
	case <-ctx.Done():
		_ = h.codec.WriteMessage(h.conn, &wire.Envelope{
			Kind: wire.KindCancelOp, ID: id,
			CancelOp: &wire.CancelOpPayload{RequestID: req.RequestID},
		})
		select {
		case err := <-done:
			h.failureCount.Add(1)
			if err != nil {
				return err
			}
			return errs.New(errs.Cancelled, "child.execute", ctx.Err())
		case <-time.After(h.cfg.CancelTimeout):
			// CancelOp went unanswered within the grace period: escalate to
			// SIGTERM and give the child one more short grace period before
			// SIGKILL.
			h.terminate()
			select {
			case err := <-done:
				h.failureCount.Add(1)
				if err != nil {
					return err
				}
				return errs.New(errs.Cancelled, "child.execute", ctx.Err())
			case <-time.After(h.cfg.CancelTimeout):
				h.killNow()
				h.failureCount.Add(1)
				return errs.New(errs.DeadlineExceeded, "child.execute", fmt.Errorf("child %d did not honor cancel within %s", h.ID, h.cfg.CancelTimeout))
			}
		}
	}
}

func (h *Host) pumpReplies(id uint64, rh ReplyHandler) error {
	for {
		env, err := h.codec.ReadMessage(h.conn)
		if err != nil {
			h.markDead()
			return errs.New(errs.Internal, "child.pump_replies", fmt.Errorf("read reply: %w", err))
		}
		switch env.Kind {
		case wire.KindReplyHeaders:
			rh.Headers(env.ReplyHeaders)
		case wire.KindReplyChunk:
			rh.Chunk(env.ReplyChunk)
		case wire.KindEvent:
			rh.Event(env.Event)
		case wire.KindReplyEnd:
			if env.ReplyEnd != nil && !env.ReplyEnd.OK {
				return errs.New(errs.Internal, "child.pump_replies", fmt.Errorf("%s", env.ReplyEnd.Error))
			}
			return nil
		}
	}
}

// Ping round-trips a Ping message carrying echo and returns whatever the
// child echoed back; it backs the data-plane Ping RPC. An empty echo is
// replaced by a generated "ping-<n>" value.
func (h *Host) Ping(ctx context.Context, echo string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.IsAlive() {
		return "", fmt.Errorf("child %d is dead", h.ID)
	}
	if echo == "" {
		echo = fmt.Sprintf("ping-%d", h.nextMsgID.Load())
	}
	id := h.nextMsgID.Add(1)
	if err := h.codec.WriteMessage(h.conn, &wire.Envelope{Kind: wire.KindPing, ID: id, Ping: &wire.PingPayload{Echo: echo}}); err != nil {
		h.markDead()
		return "", err
	}
	env, err := h.codec.ReadMessage(h.conn)
	if err != nil {
		h.markDead()
		return "", err
	}
	if env.Kind != wire.KindPing || env.Ping == nil {
		return "", fmt.Errorf("child %d: bad ping reply", h.ID)
	}
	return env.Ping.Echo, nil
}

// CacheOp sends a cache-manager operation to the child and waits for
// its CacheInfo-bearing reply, used by the admin plane's broadcast ops.
func (h *Host) CacheOp(ctx context.Context, op *wire.CacheOpPayload) (*wire.Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.IsAlive() {
		return nil, fmt.Errorf("child %d is dead", h.ID)
	}
	id := h.nextMsgID.Add(1)
	if err := h.codec.WriteMessage(h.conn, &wire.Envelope{Kind: wire.KindCacheOp, ID: id, CacheOp: op}); err != nil {
		h.markDead()
		return nil, err
	}
	env, err := h.codec.ReadMessage(h.conn)
	if err != nil {
		h.markDead()
		return nil, err
	}
	return env, nil
}

func (h *Host) markDead() {
	h.setState(StateDead)
}

// Drain marks the child as no longer eligible for new work; in-flight
// requests are left to complete.
func (h *Host) Drain() {
	if h.State() != StateDead {
		h.setState(StateDraining)
	}
}

// Stop asks the child to quit, waiting up to grace before killing it
// outright.
func (h *Host) Stop(grace time.Duration) error {
	h.Drain()
	if h.conn != nil {
		_ = h.codec.WriteMessage(h.conn, &wire.Envelope{Kind: wire.KindQuit, ID: h.nextMsgID.Add(1)})
	}

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(grace):
		h.killNow()
		<-done
	}
	h.markDead()
	h.cleanup()
	return nil
}

// NewForTest builds a Host wired to an already-connected conn instead of
// a freshly spawned process, for other packages' tests that need to
// drive dispatch logic against a child without a real rendering-engine
// binary or handshake.
func NewForTest(id int, cfg Config, cmd *exec.Cmd, conn net.Conn) *Host {
	h := &Host{
		ID:        id,
		cfg:       cfg,
		log:       logging.New("error"),
		cmd:       cmd,
		conn:      conn,
		codec:     wire.NewCodec(),
		startedAt: time.Now(),
	}
	h.state.Store(int32(StateIdle))
	h.lastActiveAt.Store(time.Now().UnixNano())
	return h
}

// ForceDead marks the host dead without touching its process or
// connection, for tests exercising failure-pressure accounting.
func (h *Host) ForceDead() { h.markDead() }

func (h *Host) killNow() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	h.markDead()
}

// terminate sends SIGTERM, giving a child that ignored CancelOp one more
// chance to exit on its own before killNow follows up with SIGKILL.
func (h *Host) terminate() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (h *Host) cleanup() {
	if h.conn != nil {
		h.conn.Close()
	}
	if h.listener != nil {
		h.listener.Close()
	}
	os.Remove(h.sockPath)
}
