package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/errs"
)

// dataPlaneServiceName is the health-check service name clients poll to
// learn whether the data plane is currently accepting requests.
const dataPlaneServiceName = "qjazz.DataPlane"

// healthPollInterval is how often the sampler re-checks pool.Stats.
const healthPollInterval = 2 * time.Second

// HealthController owns the grpc/health.Server backing the data plane's
// standard health-check surface. It samples pool.Stats() on a timer the
// way a plain watcher always has, but an admin SetServerServingStatus
// call can pin the reported status, overriding the sampler until the
// override is cleared — the two never race, because the sampler checks
// the override flag before every write of its own.
type HealthController struct {
	hs       *health.Server
	override atomic.Bool
}

// NewHealthController builds a HealthController and starts its sampling
// goroutine, which stops when ctx is cancelled.
func NewHealthController(ctx context.Context, pool *dispatch.Pool, maxFailurePressure float64) *HealthController {
	c := &HealthController{hs: health.NewServer()}
	c.hs.SetServingStatus(dataPlaneServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	go c.watch(ctx, pool, maxFailurePressure)
	return c
}

// Server returns the underlying grpc/health.Server for registration
// against a *grpc.Server via healthpb.RegisterHealthServer.
func (c *HealthController) Server() *health.Server { return c.hs }

// SetServingStatus pins the data plane's reported health to status
// until a later call changes or clears it, implementing the admin
// plane's SetServerServingStatus operation. "serving"/"not_serving" set
// an override; "unknown" (or "") clears it and returns control to the
// periodic sampler.
func (c *HealthController) SetServingStatus(status string) error {
	switch status {
	case "serving":
		c.override.Store(true)
		c.hs.SetServingStatus(dataPlaneServiceName, healthpb.HealthCheckResponse_SERVING)
	case "not_serving":
		c.override.Store(true)
		c.hs.SetServingStatus(dataPlaneServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	case "unknown", "":
		c.override.Store(false)
		c.hs.SetServingStatus(dataPlaneServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	default:
		return errs.New(errs.BadRequest, "rpc.set_serving_status", fmt.Errorf("unknown serving status %q", status))
	}
	return nil
}

func (c *HealthController) watch(ctx context.Context, pool *dispatch.Pool, maxFailurePressure float64) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.hs.SetServingStatus(dataPlaneServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			c.hs.Shutdown()
			return
		case <-ticker.C:
			if c.override.Load() {
				continue
			}
			stats := pool.Stats()
			healthy := stats.Idle+stats.Busy > 0
			if maxFailurePressure > 0 {
				healthy = healthy && stats.FailurePressure <= maxFailurePressure
			}
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if healthy {
				status = healthpb.HealthCheckResponse_SERVING
			}
			c.hs.SetServingStatus(dataPlaneServiceName, status)
		}
	}
}
