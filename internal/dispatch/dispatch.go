// Package dispatch implements the child-process pool: fair FIFO
// dispatch, round-robin idle-child selection, self-healing respawn, and
// the pool-health metrics (failure pressure, request pressure) the
// admin and rpc layers expose.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/3liz/qjazz/internal/child"
	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// Config controls pool behaviour: the child.Config each spawned child
// gets plus the fairness/health knobs of the pool itself.
type Config struct {
	NumProcesses       int
	MaxWaitingRequests int
	MaxFailurePressure float64
	MaxRequests        int // per-child request limit before rolling recycle, 0 = unbounded
	RespawnMinInterval time.Duration
	Child              child.Config
}

// Pool owns the set of child.Hosts and dispatches requests to them
// through an available channel, and also tracks failure pressure and
// supports rolling replacement.
type Pool struct {
	cfg Config
	log *logging.Logger

	mu       sync.RWMutex
	children []*child.Host
	nextID   int

	available chan *child.Host
	waiting   atomic.Int32

	pressureEWMA    ewma.MovingAverage
	pressureMu      sync.Mutex
	deathsSinceTick int

	respawnMu     sync.Mutex
	lastRespawnAt map[int]time.Time

	// sendMu serializes every send onto available against Stop flipping
	// closed, so no goroutine can observe closed==false and then send on
	// a channel Stop has already finished draining.
	sendMu sync.Mutex
	closed atomic.Bool
}

// New builds a Pool. Children are not spawned until Start is called.
func New(cfg Config, log *logging.Logger) *Pool {
	if cfg.NumProcesses <= 0 {
		cfg.NumProcesses = 1
	}
	return &Pool{
		cfg:           cfg,
		log:           log,
		available:     make(chan *child.Host, cfg.NumProcesses),
		pressureEWMA:  ewma.NewMovingAverage(),
		lastRespawnAt: make(map[int]time.Time),
	}
}

// Start spawns cfg.NumProcesses children. It returns an error only if
// not a single child could be spawned, matching the "first Idle child
// is the healthy signal" gate
// of the supervisor's startup ordering.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.cfg.NumProcesses; i++ {
		h, err := p.spawn(i)
		if err != nil {
			p.log.Error("failed to spawn child %d: %v", i, err)
			continue
		}
		p.children = append(p.children, h)
		p.enqueue(h)
	}
	p.nextID = p.cfg.NumProcesses

	if len(p.children) == 0 {
		return fmt.Errorf("dispatch: no child could be started")
	}
	p.log.Info("pool started with %d/%d children", len(p.children), p.cfg.NumProcesses)
	go p.pressureLoop()
	return nil
}

func (p *Pool) spawn(id int) (*child.Host, error) {
	return child.Spawn(id, p.cfg.Child, p.log)
}

// Acquire waits for an idle child, enforcing max_waiting_requests as a
// fast-fail backpressure gate the way WorkerQueue.recv does in the
// original pool implementation. A non-blocking grab is always tried
// first, so max_waiting_requests=0 (no waiting slots at all) still
// serves a request against a child that is idle right now instead of
// rejecting it outright.
func (p *Pool) Acquire(ctx context.Context) (*child.Host, error) {
	if p.closed.Load() {
		return nil, errs.New(errs.Unavailable, "dispatch.acquire", fmt.Errorf("pool is shutting down"))
	}

	select {
	case h := <-p.available:
		if h.IsAlive() {
			return h, nil
		}
		go p.respawnAndRequeue(h, true)
	default:
	}

	if int(p.waiting.Load()) >= p.cfg.MaxWaitingRequests {
		return nil, errs.New(errs.Unavailable, "dispatch.acquire", fmt.Errorf("too many waiting requests"))
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	for {
		select {
		case h := <-p.available:
			if !h.IsAlive() {
				go p.respawnAndRequeue(h, true)
				continue
			}
			return h, nil
		case <-ctx.Done():
			return nil, errs.New(errs.DeadlineExceeded, "dispatch.acquire", ctx.Err())
		}
	}
}

// enqueue returns h to the available queue, unless the pool has already
// started draining, in which case h is stopped outright instead. Taking
// sendMu around both the closed check and the channel send closes the
// race a bare "if closed.Load() { ... }; available <- h" would have
// against Stop: once Stop has set closed under the same lock, every
// later enqueue call is guaranteed to observe it and never reach the
// send.
func (p *Pool) enqueue(h *child.Host) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed.Load() {
		_ = h.Stop(p.cfg.Child.CancelTimeout)
		return
	}
	p.available <- h
}

// Release returns a child to the available queue, recycling it (rolling
// respawn) if it reached MaxRequests or died mid-request.
func (p *Pool) Release(h *child.Host) {
	if !h.IsAlive() {
		go p.respawnAndRequeue(h, true)
		return
	}
	if p.cfg.MaxRequests > 0 && h.RequestCount() >= int64(p.cfg.MaxRequests) {
		p.log.Info("child %d reached request limit (%d), recycling", h.ID, p.cfg.MaxRequests)
		go p.respawnAndRequeue(h, false)
		return
	}
	p.enqueue(h)
}

// Execute acquires a child, runs req against it, and releases it. A
// child death surfaced by Acquire or Release feeds the failure-pressure
// EWMA through recordDeath/pressureLoop; Execute itself does not sample
// on request outcome, since failure_pressure is defined over child
// deaths, not request success/failure.
func (p *Pool) Execute(ctx context.Context, req *wire.RequestPayload, rh child.ReplyHandler) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)

	return h.Execute(ctx, req, rh)
}

// Ping acquires a child, round-trips a Ping message through it, and
// releases it, giving the data plane's Ping RPC a liveness probe that
// exercises the full parent<->child path rather than just pool state.
func (p *Pool) Ping(ctx context.Context, echo string) (string, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.Release(h)
	return h.Ping(ctx, echo)
}

// pressureSampleInterval is how often pressureLoop folds the deaths
// seen since the last tick into the failure-pressure EWMA. Sampling on
// a fixed wall-clock tick, not per-event, is what makes the EWMA decay
// in the absence of new deaths rather than staying flat between them.
const pressureSampleInterval = time.Second

// recordDeath marks one child-death event for the next pressureLoop
// tick to fold in, normalized against the pool's configured capacity.
// Called exactly once per death, from respawnAndRequeue.
func (p *Pool) recordDeath() {
	p.pressureMu.Lock()
	defer p.pressureMu.Unlock()
	p.deathsSinceTick++
}

// pressureLoop periodically folds deathsSinceTick into the EWMA, so
// failure_pressure decays over wall-clock time when no new deaths
// occur. Started by Start, stopped implicitly once Stop flips closed.
func (p *Pool) pressureLoop() {
	ticker := time.NewTicker(pressureSampleInterval)
	defer ticker.Stop()
	for range ticker.C {
		if p.closed.Load() {
			return
		}
		p.sampleDeathRate()
	}
}

func (p *Pool) sampleDeathRate() {
	p.pressureMu.Lock()
	defer p.pressureMu.Unlock()
	n := p.deathsSinceTick
	p.deathsSinceTick = 0
	p.pressureEWMA.Add(float64(n) / float64(p.cfg.NumProcesses))
}

// FailurePressure returns the normalized EWMA of the child-death rate:
// each death contributes 1/NumProcesses to the running average, which
// decays back toward zero over time once deaths stop.
func (p *Pool) FailurePressure() float64 {
	p.pressureMu.Lock()
	defer p.pressureMu.Unlock()
	return p.pressureEWMA.Value()
}

// DeadFraction returns the fraction of the pool's configured capacity
// that is currently unavailable: children that never survived Start
// (cfg.NumProcesses minus however many actually made it into the
// slice) plus children that are tracked but currently not alive.
func (p *Pool) DeadFraction() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg.NumProcesses == 0 {
		return 0
	}
	dead := p.cfg.NumProcesses - len(p.children)
	for _, h := range p.children {
		if !h.IsAlive() {
			dead++
		}
	}
	return float64(dead) / float64(p.cfg.NumProcesses)
}

// RequestPressure returns the current waiting-request queue depth as a
// fraction of MaxWaitingRequests, 0 when MaxWaitingRequests is 0 (no
// waiting slots, see Acquire).
func (p *Pool) RequestPressure() float64 {
	if p.cfg.MaxWaitingRequests <= 0 {
		return 0
	}
	return float64(p.waiting.Load()) / float64(p.cfg.MaxWaitingRequests)
}

// respawnAndRequeue replaces old with a freshly spawned child and
// requeues it. death distinguishes an unplanned crash (counted toward
// failure_pressure via recordDeath) from a voluntary recycle
// (MaxRequests limit, rolling ReplaceAll), which is not a failure.
func (p *Pool) respawnAndRequeue(old *child.Host, death bool) {
	if death {
		p.recordDeath()
	}

	p.respawnMu.Lock()
	last, ok := p.lastRespawnAt[old.ID]
	if ok && p.cfg.RespawnMinInterval > 0 && time.Since(last) < p.cfg.RespawnMinInterval {
		wait := p.cfg.RespawnMinInterval - time.Since(last)
		p.respawnMu.Unlock()
		time.Sleep(wait)
		p.respawnMu.Lock()
	}
	p.lastRespawnAt[old.ID] = time.Now()
	p.respawnMu.Unlock()

	_ = old.Stop(p.cfg.Child.CancelTimeout)

	fresh, err := p.spawn(old.ID)
	if err != nil {
		p.log.Error("failed to respawn child %d: %v", old.ID, err)
		return
	}

	p.mu.Lock()
	for i, h := range p.children {
		if h.ID == old.ID {
			p.children[i] = fresh
			break
		}
	}
	p.mu.Unlock()

	p.enqueue(fresh)
}

// ReplaceAll performs a rolling replacement of every child (SIGUSR1 /
// admin Reload with cold-field changes), one at a time so capacity
// never drops to zero.
func (p *Pool) ReplaceAll(ctx context.Context) error {
	p.mu.RLock()
	ids := make([]int, len(p.children))
	for i, h := range p.children {
		ids[i] = h.ID
	}
	p.mu.RUnlock()

	for _, id := range ids {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		if h.ID != id {
			p.Release(h)
			continue
		}
		p.respawnAndRequeue(h, false)
	}
	return nil
}

// Broadcast runs fn against every currently known child concurrently and
// collects each outcome independently — a failure on one child never
// aborts the others — per the admin plane's per-child-outcome semantics.
func (p *Pool) Broadcast(ctx context.Context, fn func(*child.Host) (*wire.Envelope, error)) map[int]BroadcastResult {
	p.mu.RLock()
	hosts := append([]*child.Host{}, p.children...)
	p.mu.RUnlock()

	results := make(map[int]BroadcastResult, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h *child.Host) {
			defer wg.Done()
			env, err := fn(h)
			mu.Lock()
			results[h.ID] = BroadcastResult{Envelope: env, Err: err}
			mu.Unlock()
		}(h)
	}
	wg.Wait()
	return results
}

// BroadcastResult is one child's outcome of a Broadcast call.
type BroadcastResult struct {
	Envelope *wire.Envelope
	Err      error
}

// Stats is a point-in-time snapshot of the pool, exposed via the admin
// plane's GetStats and the Prometheus exporter.
type Stats struct {
	Total           int
	Idle            int
	Busy            int
	Dead            int
	Waiting         int
	FailurePressure float64
	DeadFraction    float64
	RequestPressure float64
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{
		Total:           len(p.children),
		Dead:            p.cfg.NumProcesses - len(p.children),
		Waiting:         int(p.waiting.Load()),
		FailurePressure: p.FailurePressure(),
		DeadFraction:    p.DeadFraction(),
		RequestPressure: p.RequestPressure(),
	}
	for _, h := range p.children {
		switch h.State() {
		case child.StateIdle:
			s.Idle++
		case child.StateBusy:
			s.Busy++
		case child.StateDead, child.StateDraining:
			s.Dead++
		}
	}
	return s
}

// Config returns a copy of the pool's current configuration, so a
// caller that only wants to change one or two hot fields can read,
// modify, and pass the result back to UpdateConfig without clobbering
// the rest.
func (p *Pool) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// UpdateConfig swaps in a new Config for every knob except NumProcesses,
// which is fixed for the process's lifetime (changing it is a cold
// field handled by a full restart, not live pool elasticity). Used by
// the admin plane's SetConfig for hot-field updates and ahead of a
// ReplaceAll rolling reload for cold-field ones.
func (p *Pool) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg.NumProcesses = p.cfg.NumProcesses
	p.cfg = cfg
}

// Children returns a snapshot of the current child set, used by the
// admin plane to fan out cache operations.
func (p *Pool) Children() []*child.Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*child.Host{}, p.children...)
}

// NewForTest builds a Pool already populated with children, for other
// packages' tests that need a Pool backed by net.Pipe children without
// going through Start's real child.Spawn, mirroring child.NewForTest.
func NewForTest(cfg Config, log *logging.Logger, children []*child.Host) *Pool {
	if cfg.NumProcesses < len(children) {
		cfg.NumProcesses = len(children)
	}
	p := New(cfg, log)
	p.children = children
	for _, h := range children {
		p.available <- h
	}
	p.nextID = len(children)
	return p
}

// Stop drains the pool: no new Acquire succeeds, and every child is
// stopped with the given grace period. The available channel is never
// closed — flipping closed under sendMu is enough, since every producer
// (enqueue) takes the same lock around its own closed check, so once
// this call releases sendMu no later send can race a close that never
// happens. Any host a concurrent Release/respawn hands to enqueue after
// that point is stopped directly by enqueue instead of being queued, so
// the children snapshot below and enqueue's direct stops never overlap.
func (p *Pool) Stop(grace time.Duration) {
	p.sendMu.Lock()
	p.closed.Store(true)
	p.sendMu.Unlock()

	p.mu.RLock()
	hosts := append([]*child.Host{}, p.children...)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h *child.Host) {
			defer wg.Done()
			_ = h.Stop(grace)
		}(h)
	}
	wg.Wait()
}
