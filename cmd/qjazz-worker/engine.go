package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/3liz/qjazz/internal/cache"
	"github.com/3liz/qjazz/internal/cache/handlers"
	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// buildManager assembles the cache.Manager this worker serves for its
// whole lifetime: a Registry of StorageHandlers keyed by scheme, a
// Resolver built from the configured search paths, and the LRU sizing
// from engine.max_projects.
func buildManager(cfg *config.Config) (*cache.Manager, error) {
	registry := cache.NewRegistry()
	registry.Register(handlers.NewFileHandler(".qgs", ".qgz"))

	for name, hc := range cfg.Engine.Handlers {
		switch hc.Scheme {
		case "s3", "":
			h, err := handlers.NewObjectStoreHandler(objectStoreConfigFrom(hc))
			if err != nil {
				return nil, fmt.Errorf("handler %q: %w", name, err)
			}
			registry.Register(h)
		default:
			return nil, fmt.Errorf("handler %q: unknown scheme %q", name, hc.Scheme)
		}
	}

	paths := make([]cache.SearchPath, 0, len(cfg.Engine.SearchPaths))
	for _, sp := range cfg.Engine.SearchPaths {
		paths = append(paths, cache.SearchPath{MountPrefix: sp.MountPrefix, Template: sp.Template})
	}
	resolver := cache.NewResolver(paths)

	return cache.NewManager(registry, resolver, cfg.Engine.MaxProjects)
}

func objectStoreConfigFrom(hc config.HandlerConfig) handlers.ObjectStoreConfig {
	settings := hc.Settings
	return handlers.ObjectStoreConfig{
		Scheme:         hc.Scheme,
		Endpoint:       settings["endpoint"],
		Bucket:         settings["bucket"],
		Prefix:         settings["prefix"],
		Insecure:       strings.EqualFold(settings["insecure"], "true"),
		ForcePathStyle: strings.EqualFold(settings["force_path_style"], "true"),
		AccessKey:      settings["access_key"],
		SecretKey:      settings["secret_key"],
	}
}

// worker drives one handshake connection: it reads Envelope frames and
// dispatches each by Kind, writing the matching reply frame(s) back
// over the same connection.
type worker struct {
	codec *wire.Codec
	conn  net.Conn
	mgr   *cache.Manager
	log   *logging.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config
}

// serve loops reading frames until Quit, a transport error, or ctx is
// cancelled by a terminating signal.
func (w *worker) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	for {
		env, err := w.codec.ReadMessage(w.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch env.Kind {
		case wire.KindPing:
			echo := ""
			if env.Ping != nil {
				echo = env.Ping.Echo
			}
			reply := &wire.Envelope{Kind: wire.KindPing, ID: env.ID, Ping: &wire.PingPayload{Echo: echo}}
			if err := w.codec.WriteMessage(w.conn, reply); err != nil {
				return err
			}
		case wire.KindCacheOp:
			result := w.handleCacheOp(ctx, env.CacheOp)
			reply := &wire.Envelope{Kind: wire.KindCacheResult, ID: env.ID, CacheResult: result}
			if err := w.codec.WriteMessage(w.conn, reply); err != nil {
				return err
			}
		case wire.KindRequest:
			if err := w.handleRequest(env); err != nil {
				return err
			}
		case wire.KindCancelOp:
			// Requests complete synchronously before the next frame is
			// read, so a CancelOp can never arrive for one still in
			// flight; nothing to do.
		case wire.KindQuit:
			return nil
		default:
			w.log.Warn("unhandled envelope kind %q", env.Kind)
		}
	}
}

// handleCacheOp routes one cache-manager operation to the Manager and
// packages its outcome as a CacheResultPayload. It never returns a
// transport error: a failed operation is reported via Result.Error so
// the connection survives to serve the next frame.
func (w *worker) handleCacheOp(ctx context.Context, op *wire.CacheOpPayload) *wire.CacheResultPayload {
	if op == nil {
		return &wire.CacheResultPayload{Error: "empty cache operation"}
	}

	result := &wire.CacheResultPayload{}
	switch op.Op {
	case wire.CacheOpCheckout:
		var status wire.CheckoutStatus
		var entry *cache.Entry
		var err error
		if op.Pull {
			status, entry, err = w.mgr.Pull(ctx, op.URI, true)
		} else {
			status, entry, err = w.mgr.Checkout(ctx, op.URI)
		}
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Status = status
		if entry != nil {
			info := entry.Info(status)
			result.Info = &info
		} else {
			result.Info = &wire.CacheInfo{URI: op.URI, Status: status}
		}

	case wire.CacheOpDrop:
		result.Status = w.mgr.Drop(op.URI)

	case wire.CacheOpList:
		result.List = w.mgr.List()

	case wire.CacheOpClear:
		w.mgr.Clear()

	case wire.CacheOpUpdate:
		result.List = w.mgr.Update(ctx)

	case wire.CacheOpCatalog:
		items, err := w.mgr.Catalog(ctx, op.Location)
		if err != nil {
			result.Error = err.Error()
			break
		}
		for it := range items {
			result.Catalog = append(result.Catalog, it)
		}

	case wire.CacheOpInfo:
		info, err := w.mgr.ProjectInfo(op.URI)
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Project = info

	case wire.CacheOpPlugins:
		// No rendering engine is embedded, so there is no plugin loader
		// to enumerate; report an empty inventory rather than an error.
		result.Plugins = []wire.PluginInfo{}

	case wire.CacheOpGetEnv:
		result.Env = environMap()

	case wire.CacheOpGetConfig:
		w.cfgMu.RLock()
		data, err := yaml.Marshal(w.cfg)
		w.cfgMu.RUnlock()
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Config = data

	case wire.CacheOpPutConfig:
		w.cfgMu.Lock()
		updated := *w.cfg
		err := yaml.Unmarshal(op.Config, &updated)
		if err == nil {
			w.cfg = &updated
		}
		w.cfgMu.Unlock()
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Config = op.Config

	default:
		result.Error = fmt.Sprintf("unknown cache op %q", op.Op)
	}
	return result
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// handleRequest answers a data-plane request with a synthetic reply:
// rendering correctness and format conversion are out of scope for this
// worker, so it acknowledges the request without producing real map
// output, which is enough to exercise the full parent<->child request
// path end to end.
func (w *worker) handleRequest(env *wire.Envelope) error {
	req := env.Request
	headers := &wire.ReplyHeadersPayload{
		Status:  200,
		Headers: map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}},
	}
	if err := w.codec.WriteMessage(w.conn, &wire.Envelope{Kind: wire.KindReplyHeaders, ID: env.ID, ReplyHeaders: headers}); err != nil {
		return err
	}

	body := []byte(fmt.Sprintf("qjazz-worker: %s %s %s (no rendering engine attached)\n", req.Kind, req.Method, req.URL))
	chunk := &wire.ReplyChunkPayload{Bytes: body}
	if err := w.codec.WriteMessage(w.conn, &wire.Envelope{Kind: wire.KindReplyChunk, ID: env.ID, ReplyChunk: chunk}); err != nil {
		return err
	}

	return w.codec.WriteMessage(w.conn, &wire.Envelope{Kind: wire.KindReplyEnd, ID: env.ID, ReplyEnd: &wire.ReplyEndPayload{OK: true}})
}
