// Package supervisor wires the dispatch core, admin plane, RPC server,
// and metrics endpoint into one running process, owning startup
// ordering, signal handling, and shutdown (rolling reload on SIGUSR1,
// failure-pressure abort, distinct exit codes per failure class).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3liz/qjazz/internal/admin"
	"github.com/3liz/qjazz/internal/child"
	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/metrics"
	"github.com/3liz/qjazz/internal/rpc"
)

// Exit codes, per the startup/shutdown contract: 0 is a clean exit, the
// rest distinguish why the process gave up so an init system or
// orchestrator can tell a bad deploy from a transient crash.
const (
	ExitOK              = 0
	ExitConfigInvalid   = 2
	ExitFailurePressure = 3
	ExitFatalSpawn      = 4
)

// Supervisor owns one running instance: the child pool, the admin
// service layered over it, the gRPC server exposing both, and the
// Prometheus metrics endpoint.
type Supervisor struct {
	cfg   *config.Config
	log   *logging.Logger
	pool  *dispatch.Pool
	admin *admin.Service

	grpcServer   *grpcServerHandle
	metricsSrv   *http.Server
	healthCancel context.CancelFunc

	startedAt time.Time
}

type grpcServerHandle struct {
	listener net.Listener
	stop     func()
}

// New builds a Supervisor from an already-loaded, already-validated
// configuration. It does not spawn any child yet; call Start for that.
func New(cfg *config.Config, log *logging.Logger) (*Supervisor, error) {
	restore, err := config.NewRestoreList(cfg.Worker.RestoreProjects, cfg.Worker.RestoreListPath, cfg.Worker.RestoreListCommand, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build restore list: %w", err)
	}

	pool := dispatch.New(dispatch.Config{
		NumProcesses:       cfg.Worker.NumProcesses,
		MaxWaitingRequests: cfg.Worker.MaxWaitingRequests,
		MaxFailurePressure: cfg.Worker.MaxFailurePressure,
		MaxRequests:        cfg.Worker.MaxRequests,
		RespawnMinInterval: time.Second,
		Child: childConfigFrom(cfg),
	}, log.WithPrefix("dispatch"))

	adminSvc := admin.New(pool, restore, cfg, log.WithPrefix("admin"))

	return &Supervisor{cfg: cfg, log: log, pool: pool, admin: adminSvc}, nil
}

func childConfigFrom(cfg *config.Config) child.Config {
	return child.Config{
		Binary:              cfg.Engine.Binary,
		Args:                []string{cfg.Engine.WorkerScript},
		SockDir:             os.TempDir(),
		ProcessStartTimeout: cfg.Worker.ProcessStartTimeout,
		CancelTimeout:       cfg.Worker.CancelTimeout,
		Env:                 os.Environ(),
	}
}

// Start spawns the child pool, replays the restore list into it, starts
// watching the restore-list file, and opens the gRPC and metrics
// listeners. The pool attempts every configured child before Start goes
// on; Start returns an error if none of them could be spawned or the
// gRPC listener cannot be opened, and cmd/qjazzd then exits with
// ExitFatalSpawn.
func (s *Supervisor) Start(ctx context.Context, grpcAddr, metricsAddr string) error {
	s.startedAt = time.Now()

	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start pool: %w", err)
	}

	if len(s.admin.RestoreList().Snapshot()) > 0 {
		s.log.Info("replaying %d restored project(s) into freshly spawned children", len(s.admin.RestoreList().Snapshot()))
		s.admin.UpdateCache(ctx)
	}
	if _, err := s.admin.RestoreList().Watch(); err != nil {
		s.log.Warn("restore list watch not started: %v", err)
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel

	health := rpc.NewHealthController(healthCtx, s.pool, s.cfg.Server.MaxFailurePressure)
	s.admin.SetHealthController(health)

	grpcSrv := rpc.NewGRPCServer(s.pool, s.admin, health, s.log.WithPrefix("rpc"))
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: listen grpc: %w", err)
	}
	go func() {
		s.log.Info("grpc server listening at %s", grpcAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			s.log.Error("grpc server stopped: %v", err)
		}
	}()
	s.grpcServer = &grpcServerHandle{listener: lis, stop: grpcSrv.GracefulStop}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Register(s.pool, s.startedAt))
	s.metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		s.log.Info("metrics server listening at %s", metricsAddr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server error: %v", err)
		}
	}()

	s.log.Info("pool ready with %d children", len(s.pool.Children()))
	return nil
}

// Run blocks until a terminating signal or ctx is cancelled, handling
// SIGUSR1 as a rolling-reload trigger and SIGTERM/SIGINT as a graceful
// drain request. It returns the process exit code to use.
func (s *Supervisor) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	pressureTicker := time.NewTicker(5 * time.Second)
	defer pressureTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ExitOK
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				s.log.Info("received SIGUSR1, starting rolling child replacement")
				if err := s.admin.Reload(context.Background()); err != nil {
					s.log.Error("rolling replacement failed: %v", err)
				}
			default:
				s.log.Info("received %s, shutting down", sig)
				s.shutdown()
				return ExitOK
			}
		case <-pressureTicker.C:
			stats := s.pool.Stats()
			threshold := s.pool.Config().MaxFailurePressure
			if threshold > 0 && stats.FailurePressure > threshold {
				s.log.Error("failure pressure %.2f exceeds threshold %.2f, aborting", stats.FailurePressure, threshold)
				s.shutdown()
				return ExitFailurePressure
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	if s.healthCancel != nil {
		s.healthCancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.stop()
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(ctx)
	}
	s.pool.Stop(s.cfg.Server.ShutdownGrace)
	s.log.Info("supervisor stopped")
}

// Pool exposes the underlying pool, for cmd/qjazzd's own diagnostics.
func (s *Supervisor) Pool() *dispatch.Pool { return s.pool }

// Admin exposes the underlying admin service.
func (s *Supervisor) Admin() *admin.Service { return s.admin }
