package rpc

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/3liz/qjazz/internal/admin"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

func yamlMarshal(v interface{}) ([]byte, error) { return yaml.Marshal(v) }

// Server implements both DataPlaneServer and AdminServer over a single
// pool and admin service.
type Server struct {
	pool  *dispatch.Pool
	admin *admin.Service
	log   *logging.Logger
}

// NewServer builds a Server bound to pool and admin.
func NewServer(pool *dispatch.Pool, adminSvc *admin.Service, log *logging.Logger) *Server {
	return &Server{pool: pool, admin: adminSvc, log: log}
}

// streamReplyHandler adapts child.ReplyHandler's callback shape into
// stream.Send calls of the same Envelope kinds the parent<->child
// connection already uses, so the gRPC wire format mirrors the internal
// one frame-for-frame.
type streamReplyHandler struct {
	stream DataPlane_StreamServer
	err    error
}

func (s *streamReplyHandler) Headers(h *wire.ReplyHeadersPayload) {
	if s.err != nil {
		return
	}
	s.err = s.stream.Send(&wire.Envelope{Kind: wire.KindReplyHeaders, ReplyHeaders: h})
}

func (s *streamReplyHandler) Chunk(c *wire.ReplyChunkPayload) {
	if s.err != nil {
		return
	}
	s.err = s.stream.Send(&wire.Envelope{Kind: wire.KindReplyChunk, ReplyChunk: c})
}

func (s *streamReplyHandler) Event(e *wire.EventPayload) {
	if s.err != nil {
		return
	}
	s.err = s.stream.Send(&wire.Envelope{Kind: wire.KindEvent, Event: e})
}

// Stream runs req against the next available child and relays its
// streamed reply frames to the caller, terminating with a ReplyEnd
// frame whose Error carries the public-safe message on failure.
func (s *Server) Stream(req *wire.RequestPayload, stream DataPlane_StreamServer) error {
	ctx := stream.Context()
	// server.timeout bounds elapsed wall time from submission, enforced
	// here rather than left to whatever deadline (if any) the caller's
	// gRPC client set; context.WithTimeout against a ctx that already
	// carries an earlier deadline is a no-op, so whichever fires first
	// wins.
	if timeout := s.admin.GetConfig().Server.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Kind == wire.RequestCollections {
		if err := validateCollectionsURL(req.URL); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	rh := &streamReplyHandler{stream: stream}

	err := s.pool.Execute(ctx, req, rh)
	if rh.err != nil {
		return rh.err
	}
	if err != nil {
		_ = stream.Send(&wire.Envelope{Kind: wire.KindReplyEnd, ReplyEnd: &wire.ReplyEndPayload{
			OK: false, Error: errPublic(err),
		}})
		return status.Error(grpcCode(errs.KindOf(err)), errPublic(err))
	}
	return stream.Send(&wire.Envelope{Kind: wire.KindReplyEnd, ReplyEnd: &wire.ReplyEndPayload{OK: true}})
}

// Ping round-trips echo through an idle child and back, exercising the
// full parent<->child path rather than just reporting pool state.
func (s *Server) Ping(ctx context.Context, in *wire.PingPayload) (*wire.PingPayload, error) {
	echo, err := s.pool.Ping(ctx, in.Echo)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return &wire.PingPayload{Echo: echo}, nil
}

// validateCollectionsURL rejects a collections request whose URL is not
// absolute: the OGC API Collections handler needs a real scheme and
// host to build the links it embeds in its response, and a relative
// value would only surface as a malformed link deep inside a child.
func validateCollectionsURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("collections request requires an absolute url, got %q", raw)
	}
	return nil
}

// errPublic returns the caller-safe message for err, collapsing any
// wrapped *errs.Error the way the data plane's ReplyEnd always does.
func errPublic(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Public()
	}
	if err == io.EOF {
		return "stream closed"
	}
	return err.Error()
}

// grpcCode maps an errs.Kind to its gRPC status-code equivalent.
func grpcCode(k errs.Kind) codes.Code {
	switch k {
	case errs.BadRequest:
		return codes.InvalidArgument
	case errs.NotFound:
		return codes.NotFound
	case errs.Unavailable:
		return codes.Unavailable
	case errs.DeadlineExceeded:
		return codes.DeadlineExceeded
	case errs.Cancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toStatusErr(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(errs.KindOf(err)), errPublic(err))
}

func (s *Server) DropProject(ctx context.Context, in *wire.CacheOpPayload) (*AdminBroadcastReply, error) {
	return &AdminBroadcastReply{Outcomes: toWireOutcomes(s.admin.DropProject(ctx, in.URI))}, nil
}

func (s *Server) ClearCache(ctx context.Context, in *wire.CacheOpPayload) (*AdminBroadcastReply, error) {
	return &AdminBroadcastReply{Outcomes: toWireOutcomes(s.admin.ClearCache(ctx))}, nil
}

func (s *Server) ListCache(ctx context.Context, in *wire.CacheOpPayload) (*AdminBroadcastReply, error) {
	return &AdminBroadcastReply{Outcomes: toWireOutcomes(s.admin.ListCache(ctx))}, nil
}

func (s *Server) UpdateCache(ctx context.Context, in *wire.CacheOpPayload) (*AdminUpdateCacheReply, error) {
	byURI := s.admin.UpdateCache(ctx)
	out := make(map[string][]wire.AdminChildOutcome, len(byURI))
	for uri, outcomes := range byURI {
		out[uri] = toWireOutcomes(outcomes)
	}
	return &AdminUpdateCacheReply{PerURI: out}, nil
}

func (s *Server) GetProjectInfo(ctx context.Context, in *wire.CacheOpPayload) (*wire.ProjectInfo, error) {
	info, err := s.admin.ProjectInfo(ctx, in.URI)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return info, nil
}

func (s *Server) Catalog(ctx context.Context, in *wire.CacheOpPayload) (*AdminCatalogReply, error) {
	items, err := s.admin.Catalog(ctx, in.Location)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return &AdminCatalogReply{Items: items}, nil
}

func (s *Server) ListPlugins(ctx context.Context, in *wire.CacheOpPayload) (*AdminPluginsReply, error) {
	plugins, err := s.admin.ListPlugins(ctx)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return &AdminPluginsReply{Plugins: plugins}, nil
}

func (s *Server) GetEnv(ctx context.Context, in *wire.CacheOpPayload) (*AdminEnvReply, error) {
	env, err := s.admin.GetEnv(ctx)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return &AdminEnvReply{Env: env}, nil
}

func (s *Server) GetConfig(ctx context.Context, in *wire.CacheOpPayload) (*AdminConfigReply, error) {
	data, err := yamlMarshal(s.admin.GetConfig())
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return &AdminConfigReply{YAML: data}, nil
}

func (s *Server) SetConfig(ctx context.Context, in *wire.CacheOpPayload) (*AdminConfigReply, error) {
	if err := s.admin.SetConfig(ctx, in.Config); err != nil {
		return nil, toStatusErr(err)
	}
	return s.GetConfig(ctx, in)
}

func (s *Server) Reload(ctx context.Context, in *wire.CacheOpPayload) (*AdminConfigReply, error) {
	if err := s.admin.Reload(ctx); err != nil {
		return nil, toStatusErr(err)
	}
	return s.GetConfig(ctx, in)
}

func (s *Server) DumpCache(ctx context.Context, in *wire.CacheOpPayload) (*AdminBroadcastReply, error) {
	return &AdminBroadcastReply{Outcomes: toWireOutcomes(s.admin.DumpCache(ctx))}, nil
}

func (s *Server) CheckoutProject(ctx context.Context, in *wire.CacheOpPayload) (*AdminBroadcastReply, error) {
	return &AdminBroadcastReply{Outcomes: toWireOutcomes(s.admin.CheckoutProject(ctx, in.URI, in.Pull))}, nil
}

func (s *Server) Stats(ctx context.Context, in *wire.CacheOpPayload) (*AdminStatsReply, error) {
	stats := s.admin.Stats()
	return &AdminStatsReply{
		Total:           stats.Total,
		Idle:            stats.Idle,
		Busy:            stats.Busy,
		Dead:            stats.Dead,
		Waiting:         stats.Waiting,
		FailurePressure: stats.FailurePressure,
		DeadFraction:    stats.DeadFraction,
		RequestPressure: stats.RequestPressure,
	}, nil
}

func (s *Server) SetServerServingStatus(ctx context.Context, in *wire.CacheOpPayload) (*AdminAckReply, error) {
	if err := s.admin.SetServerServingStatus(in.ServingStatus); err != nil {
		return nil, toStatusErr(err)
	}
	return &AdminAckReply{}, nil
}
