package rpc

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3liz/qjazz/internal/admin"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/logging"
)

// NewGRPCServer builds a *grpc.Server with the data plane, admin plane,
// and health service registered, ready for Serve on a listener. health
// is already running (built via NewHealthController) by the time this
// is called, since the admin plane needs it wired before the server
// starts accepting SetServerServingStatus calls.
func NewGRPCServer(pool *dispatch.Pool, adminSvc *admin.Service, health *HealthController, log *logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)

	s := NewServer(pool, adminSvc, log)
	srv.RegisterService(&DataPlaneServiceDesc, s)
	srv.RegisterService(&AdminServiceDesc, s)

	healthpb.RegisterHealthServer(srv, health.Server())

	return srv
}
