// Package admin implements the control-plane operations layered over
// the dispatch core: per-child cache broadcasts with independent
// outcomes, config hot/cold-field handling, restore-list reconciliation,
// and the read-only introspection ops (project info, catalog, plugins,
// environment) as a fan-out admin surface over the child pool.
package admin

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3liz/qjazz/internal/child"
	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// ChildOutcome is one child's result of a broadcast cache operation.
// Broadcasts never fail all-or-nothing: a child that errored is
// reported alongside the children that succeeded.
type ChildOutcome struct {
	ChildID int
	Result  *wire.CacheResultPayload
	Err     error
}

// Service is the admin control plane for one running pool.
type Service struct {
	pool    *dispatch.Pool
	restore *config.RestoreList
	log     *logging.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	envMu sync.Mutex
	env   map[string]string

	healthMu sync.Mutex
	health   ServingStatusSetter
}

// ServingStatusSetter overrides the data plane's reported gRPC health
// status, for SetServerServingStatus. Satisfied structurally by
// rpc.HealthController — this package never imports rpc, since rpc
// already imports admin to implement AdminServer.
type ServingStatusSetter interface {
	SetServingStatus(status string) error
}

// New builds a Service bound to pool and seeded with cfg, the
// configuration the supervisor loaded at startup.
func New(pool *dispatch.Pool, restore *config.RestoreList, cfg *config.Config, log *logging.Logger) *Service {
	return &Service{pool: pool, restore: restore, cfg: cfg, log: log}
}

func (s *Service) broadcast(ctx context.Context, op *wire.CacheOpPayload) []ChildOutcome {
	raw := s.pool.Broadcast(ctx, func(h *child.Host) (*wire.Envelope, error) {
		return h.CacheOp(ctx, op)
	})
	out := make([]ChildOutcome, 0, len(raw))
	for id, r := range raw {
		if r.Err != nil {
			out = append(out, ChildOutcome{ChildID: id, Err: r.Err})
			continue
		}
		var result *wire.CacheResultPayload
		if r.Envelope != nil {
			result = r.Envelope.CacheResult
		}
		if result != nil && result.Error != "" {
			out = append(out, ChildOutcome{ChildID: id, Err: fmt.Errorf("%s", result.Error)})
			continue
		}
		out = append(out, ChildOutcome{ChildID: id, Result: result})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChildID < out[j].ChildID })
	return out
}

// query runs op against a single idle child, for the read-only ops that
// do not need a per-child fan-out because every child's cache manager
// answers identically for them (project info, catalog, plugin list).
func (s *Service) query(ctx context.Context, op *wire.CacheOpPayload) (*wire.CacheResultPayload, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	env, err := h.CacheOp(ctx, op)
	if err != nil {
		return nil, errs.New(errs.Unavailable, "admin.query", err)
	}
	result := env.CacheResult
	if result != nil && result.Error != "" {
		return nil, errs.New(errs.Internal, "admin.query", fmt.Errorf("%s", result.Error))
	}
	return result, nil
}

// DropProject drops uri from every child's cache and unpins it from the
// restore list, per the DropProject operation.
func (s *Service) DropProject(ctx context.Context, uri string) []ChildOutcome {
	s.restore.Remove(uri)
	return s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpDrop, URI: uri})
}

// ClearCache drops every entry, pinned or not, from every child.
func (s *Service) ClearCache(ctx context.Context) []ChildOutcome {
	return s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpClear})
}

// ListCache returns every child's current cache contents.
func (s *Service) ListCache(ctx context.Context) []ChildOutcome {
	return s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpList})
}

// DumpCache returns every child's cache contents verbatim. It runs the
// same broadcast ListCache does; it is kept as a separate admin entry
// point since operators expect an unfiltered full dump distinct from
// whatever filtering or pagination ListCache grows in the future.
func (s *Service) DumpCache(ctx context.Context) []ChildOutcome {
	return s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpList})
}

// CheckoutProject resolves uri's pull-state transition against every
// child and, with pull set, applies it in place — the single-project
// counterpart of UpdateCache's pinned-union pull.
func (s *Service) CheckoutProject(ctx context.Context, uri string, pull bool) []ChildOutcome {
	return s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpCheckout, URI: uri, Pull: pull})
}

// UpdateCache refreshes every child's already-cached entries, then
// computes the union of pinned URIs across all children plus the
// restore list, and re-pulls that union into every child with pin=true
// so a project pinned via any one child (or the restore list) ends up
// pinned everywhere, per the UpdateCache operation.
func (s *Service) UpdateCache(ctx context.Context) map[string][]ChildOutcome {
	s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpUpdate})

	pinned := make(map[string]struct{})
	for _, o := range s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpList}) {
		if o.Result == nil {
			continue
		}
		for _, info := range o.Result.List {
			if info.Pinned {
				pinned[info.URI] = struct{}{}
			}
		}
	}
	for _, uri := range s.restore.Snapshot() {
		pinned[uri] = struct{}{}
	}

	out := make(map[string][]ChildOutcome, len(pinned))
	for uri := range pinned {
		outcomes := s.broadcast(ctx, &wire.CacheOpPayload{Op: wire.CacheOpCheckout, URI: uri, Pull: true})
		out[uri] = outcomes
		s.restore.Add(uri)
	}
	return out
}

// ProjectInfo returns the full project snapshot for an already-cached
// URI, per GetProjectInfo.
func (s *Service) ProjectInfo(ctx context.Context, uri string) (*wire.ProjectInfo, error) {
	result, err := s.query(ctx, &wire.CacheOpPayload{Op: wire.CacheOpInfo, URI: uri})
	if err != nil {
		return nil, err
	}
	return result.Project, nil
}

// Catalog enumerates every project reachable under location without
// loading any of them.
func (s *Service) Catalog(ctx context.Context, location string) ([]wire.CatalogItem, error) {
	result, err := s.query(ctx, &wire.CacheOpPayload{Op: wire.CacheOpCatalog, Location: location})
	if err != nil {
		return nil, err
	}
	return result.Catalog, nil
}

// ListPlugins returns the rendering engine's loaded plugin inventory.
func (s *Service) ListPlugins(ctx context.Context) ([]wire.PluginInfo, error) {
	result, err := s.query(ctx, &wire.CacheOpPayload{Op: wire.CacheOpPlugins})
	if err != nil {
		return nil, err
	}
	return result.Plugins, nil
}

// GetEnv returns the pool's immutable per-process environment, cached
// after the first successful query the way pool.py's
// _cache_worker_status caches it once at pool-init.
func (s *Service) GetEnv(ctx context.Context) (map[string]string, error) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	if s.env != nil {
		return s.env, nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	env, err := h.CacheOp(ctx, &wire.CacheOpPayload{Op: wire.CacheOpGetEnv})
	if err != nil {
		return nil, errs.New(errs.Unavailable, "admin.get_env", err)
	}

	out := map[string]string{}
	if env.CacheResult != nil {
		for k, v := range env.CacheResult.Env {
			out[k] = v
		}
	}
	out["engine_version"] = h.Banner().EngineVersion
	s.env = out
	return s.env, nil
}

// GetConfig returns the currently effective configuration.
func (s *Service) GetConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	cp := *s.cfg
	return &cp
}

// coldFieldsChanged reports whether any Config field that is only read
// when a child is spawned differs between old and updated: changing any
// of them triggers a rolling ReplaceAll rather than applying live.
func coldFieldsChanged(old, updated *config.Config) bool {
	return old.Worker.NumProcesses != updated.Worker.NumProcesses ||
		old.Worker.ProcessStartSecs != updated.Worker.ProcessStartSecs ||
		old.Worker.CancelTimeoutSecs != updated.Worker.CancelTimeoutSecs ||
		!reflect.DeepEqual(old.Engine, updated.Engine)
}

// SetConfig applies a YAML patch to the effective configuration and
// recomputes its derived durations. Hot fields (the pool's
// waiting-request/failure-pressure/request limits, and the server
// timeout the data plane reads per request) take effect on the very
// next request; the logging level is recorded but not applied to the
// running loggers. A change to a cold field (process count, start/cancel
// timeouts, the engine sub-block) starts a rolling replacement of every
// child. The replacements use the new start/cancel timeouts, but the
// pool keeps its original size, and each child still reads its engine
// settings from the config file named on its command line, so a patched
// process count or engine sub-block does not reach the children.
func (s *Service) SetConfig(ctx context.Context, patch []byte) error {
	s.cfgMu.Lock()
	updated := *s.cfg
	if err := yaml.Unmarshal(patch, &updated); err != nil {
		s.cfgMu.Unlock()
		return errs.New(errs.BadRequest, "admin.set_config", err)
	}
	updated.Server.Timeout = time.Duration(updated.Server.TimeoutSecs) * time.Second
	updated.Server.ShutdownGrace = time.Duration(updated.Server.ShutdownGraceSecs) * time.Second
	updated.Worker.ProcessStartTimeout = time.Duration(updated.Worker.ProcessStartSecs) * time.Second
	updated.Worker.CancelTimeout = time.Duration(updated.Worker.CancelTimeoutSecs) * time.Second
	cold := coldFieldsChanged(s.cfg, &updated)
	s.cfg = &updated
	s.cfgMu.Unlock()

	poolCfg := s.pool.Config()
	poolCfg.MaxWaitingRequests = updated.Worker.MaxWaitingRequests
	poolCfg.MaxFailurePressure = updated.Worker.MaxFailurePressure
	poolCfg.MaxRequests = updated.Worker.MaxRequests
	poolCfg.Child.ProcessStartTimeout = updated.Worker.ProcessStartTimeout
	poolCfg.Child.CancelTimeout = updated.Worker.CancelTimeout
	s.pool.UpdateConfig(poolCfg)

	if !cold {
		return nil
	}
	s.log.Info("cold config fields changed, starting rolling child replacement")
	return s.Reload(ctx)
}

// Reload performs a rolling replacement of every child, picking up
// whatever Config is currently effective (used directly for SIGUSR1 and
// indirectly by SetConfig when a cold field changes).
func (s *Service) Reload(ctx context.Context) error {
	return s.pool.ReplaceAll(ctx)
}

// RestoreList exposes the underlying restore list so the supervisor can
// replay it into freshly spawned children at startup.
func (s *Service) RestoreList() *config.RestoreList { return s.restore }

// Stats returns the pool's current health snapshot, per the admin
// plane's GetStats / Prometheus exporter surface.
func (s *Service) Stats() dispatch.Stats {
	return s.pool.Stats()
}

// SetHealthController wires the gRPC health surface's override hook
// into the admin plane, so SetServerServingStatus has somewhere to
// apply to. Called once by the supervisor at startup, after both the
// admin service and the health controller exist.
func (s *Service) SetHealthController(h ServingStatusSetter) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health = h
}

// SetServerServingStatus overrides the data plane's reported gRPC
// health status until a later call changes or clears it.
func (s *Service) SetServerServingStatus(status string) error {
	s.healthMu.Lock()
	h := s.health
	s.healthMu.Unlock()
	if h == nil {
		return errs.New(errs.Unavailable, "admin.set_serving_status", fmt.Errorf("health controller not wired"))
	}
	return h.SetServingStatus(status)
}
