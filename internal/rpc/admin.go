package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/3liz/qjazz/internal/admin"
	"github.com/3liz/qjazz/internal/wire"
)

// AdminServer is the admin-plane RPC surface: one unary method per
// control-plane operation of the admin package, all sharing the
// CacheOpPayload request shape already used between parent and child so
// the vocabulary stays consistent end to end.
type AdminServer interface {
	DropProject(context.Context, *wire.CacheOpPayload) (*AdminBroadcastReply, error)
	ClearCache(context.Context, *wire.CacheOpPayload) (*AdminBroadcastReply, error)
	ListCache(context.Context, *wire.CacheOpPayload) (*AdminBroadcastReply, error)
	DumpCache(context.Context, *wire.CacheOpPayload) (*AdminBroadcastReply, error)
	CheckoutProject(context.Context, *wire.CacheOpPayload) (*AdminBroadcastReply, error)
	UpdateCache(context.Context, *wire.CacheOpPayload) (*AdminUpdateCacheReply, error)
	GetProjectInfo(context.Context, *wire.CacheOpPayload) (*wire.ProjectInfo, error)
	Catalog(context.Context, *wire.CacheOpPayload) (*AdminCatalogReply, error)
	ListPlugins(context.Context, *wire.CacheOpPayload) (*AdminPluginsReply, error)
	GetEnv(context.Context, *wire.CacheOpPayload) (*AdminEnvReply, error)
	GetConfig(context.Context, *wire.CacheOpPayload) (*AdminConfigReply, error)
	SetConfig(context.Context, *wire.CacheOpPayload) (*AdminConfigReply, error)
	Reload(context.Context, *wire.CacheOpPayload) (*AdminConfigReply, error)
	Stats(context.Context, *wire.CacheOpPayload) (*AdminStatsReply, error)
	SetServerServingStatus(context.Context, *wire.CacheOpPayload) (*AdminAckReply, error)
}

// AdminBroadcastReply carries the per-child outcomes of a fan-out
// operation (DropProject, ClearCache, ListCache).
type AdminBroadcastReply struct {
	Outcomes []wire.AdminChildOutcome `msgpack:"outcomes"`
}

// AdminUpdateCacheReply carries the per-URI, per-child outcomes of
// reconciling the pinned-URI union across every child.
type AdminUpdateCacheReply struct {
	PerURI map[string][]wire.AdminChildOutcome `msgpack:"per_uri"`
}

type AdminCatalogReply struct {
	Items []wire.CatalogItem `msgpack:"items"`
}

type AdminPluginsReply struct {
	Plugins []wire.PluginInfo `msgpack:"plugins"`
}

type AdminEnvReply struct {
	Env map[string]string `msgpack:"env"`
}

// AdminConfigReply carries the effective configuration as YAML, the
// same format the file on disk uses, so an operator can diff it
// directly against what they last applied.
type AdminConfigReply struct {
	YAML []byte `msgpack:"yaml"`
}

// AdminStatsReply is the wire rendering of dispatch.Stats, the pool
// health snapshot also consumed by the Prometheus exporter.
type AdminStatsReply struct {
	Total           int     `msgpack:"total"`
	Idle            int     `msgpack:"idle"`
	Busy            int     `msgpack:"busy"`
	Dead            int     `msgpack:"dead"`
	Waiting         int     `msgpack:"waiting"`
	FailurePressure float64 `msgpack:"failure_pressure"`
	DeadFraction    float64 `msgpack:"dead_fraction"`
	RequestPressure float64 `msgpack:"request_pressure"`
}

// AdminAckReply is an empty-bodied acknowledgement for operations with
// no data to return beyond success, such as SetServerServingStatus.
type AdminAckReply struct{}

func toWireOutcomes(in []admin.ChildOutcome) []wire.AdminChildOutcome {
	out := make([]wire.AdminChildOutcome, len(in))
	for i, o := range in {
		w := wire.AdminChildOutcome{ChildID: o.ChildID, Result: o.Result}
		if o.Err != nil {
			w.Error = o.Err.Error()
		}
		out[i] = w
	}
	return out
}

// unaryHandler adapts a typed AdminServer method into the
// func(srv, ctx, dec, interceptor) (interface{}, error) shape
// grpc.MethodDesc.Handler requires, the same contract
// protoc-gen-go-grpc generates for a unary method.
func unaryHandler(fullMethod string, call func(AdminServer, context.Context, *wire.CacheOpPayload) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wire.CacheOpPayload)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServer), ctx, req.(*wire.CacheOpPayload))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AdminServiceDesc is registered directly against a *grpc.Server via
// RegisterService.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "qjazz.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DropProject", Handler: unaryHandler("/qjazz.Admin/DropProject", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.DropProject(ctx, in)
		})},
		{MethodName: "ClearCache", Handler: unaryHandler("/qjazz.Admin/ClearCache", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.ClearCache(ctx, in)
		})},
		{MethodName: "ListCache", Handler: unaryHandler("/qjazz.Admin/ListCache", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.ListCache(ctx, in)
		})},
		{MethodName: "DumpCache", Handler: unaryHandler("/qjazz.Admin/DumpCache", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.DumpCache(ctx, in)
		})},
		{MethodName: "CheckoutProject", Handler: unaryHandler("/qjazz.Admin/CheckoutProject", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.CheckoutProject(ctx, in)
		})},
		{MethodName: "UpdateCache", Handler: unaryHandler("/qjazz.Admin/UpdateCache", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.UpdateCache(ctx, in)
		})},
		{MethodName: "GetProjectInfo", Handler: unaryHandler("/qjazz.Admin/GetProjectInfo", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.GetProjectInfo(ctx, in)
		})},
		{MethodName: "Catalog", Handler: unaryHandler("/qjazz.Admin/Catalog", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.Catalog(ctx, in)
		})},
		{MethodName: "ListPlugins", Handler: unaryHandler("/qjazz.Admin/ListPlugins", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.ListPlugins(ctx, in)
		})},
		{MethodName: "GetEnv", Handler: unaryHandler("/qjazz.Admin/GetEnv", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.GetEnv(ctx, in)
		})},
		{MethodName: "GetConfig", Handler: unaryHandler("/qjazz.Admin/GetConfig", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.GetConfig(ctx, in)
		})},
		{MethodName: "SetConfig", Handler: unaryHandler("/qjazz.Admin/SetConfig", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.SetConfig(ctx, in)
		})},
		{MethodName: "Reload", Handler: unaryHandler("/qjazz.Admin/Reload", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.Reload(ctx, in)
		})},
		{MethodName: "Stats", Handler: unaryHandler("/qjazz.Admin/Stats", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.Stats(ctx, in)
		})},
		{MethodName: "SetServerServingStatus", Handler: unaryHandler("/qjazz.Admin/SetServerServingStatus", func(s AdminServer, ctx context.Context, in *wire.CacheOpPayload) (interface{}, error) {
			return s.SetServerServingStatus(ctx, in)
		})},
	},
	Metadata: "qjazz/admin",
}
