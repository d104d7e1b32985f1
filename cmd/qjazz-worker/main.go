// Command qjazz-worker is the rendering-engine child process qjazzd
// spawns one per pool slot. It owns one project cache manager,
// handshakes with the parent over a unix socket the parent is already
// listening on, and then serves cache operations, pings, and data-plane
// requests until told to quit.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/wire"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qjazz-worker [config]",
	Short:   "qjazz-worker serves one child's project cache over a parent-owned socket",
	Version: Version,
	Args:    cobra.MaximumNArgs(1),
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().String("socket", "", "unix socket the parent is listening on (appended by the parent at spawn time)")
}

// runWorker dials the parent's socket, sends the handshake banner, and
// then blocks serving frames until the parent sends Quit, the
// connection drops, or a signal arrives.
func runWorker(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")
	if socketPath == "" {
		return fmt.Errorf("--socket is required")
	}

	// The parent execs this binary as "<binary> <worker_script> --socket
	// <path>"; engine.worker_script has no script to interpret here, so
	// it is repurposed as this worker's own config file path.
	var configPath string
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Logging.Level).WithPrefix("worker")

	mgr, err := buildManager(cfg)
	if err != nil {
		return fmt.Errorf("build cache manager: %w", err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial parent socket %q: %w", socketPath, err)
	}
	defer conn.Close()

	codec := wire.NewCodec()
	banner, err := msgpack.Marshal(&wire.Banner{Pid: os.Getpid(), EngineVersion: Version})
	if err != nil {
		return fmt.Errorf("marshal banner: %w", err)
	}
	if err := codec.WriteFrame(conn, banner); err != nil {
		return fmt.Errorf("write banner: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	w := &worker{codec: codec, conn: conn, mgr: mgr, cfg: cfg, log: log}
	log.Info("worker ready (pid=%d, socket=%s)", os.Getpid(), socketPath)
	return w.serve(ctx)
}
