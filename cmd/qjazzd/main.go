// Command qjazzd is the map-server dispatch daemon: it loads the
// configuration, spawns the rendering-engine child pool, and serves the
// data and admin planes over gRPC until a terminating signal arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3liz/qjazz/internal/config"
	"github.com/3liz/qjazz/internal/logging"
	"github.com/3liz/qjazz/internal/supervisor"
)

const banner = `
 ____    _   _    _____    ____   ____
/ __ \  | | / \  |__  /   |  _ \ |  _ \
| |  | | | |/ _ \   / /    | | | || | | |
| |__| | | / ___ \ / /__   | |_| || |_| |
\__\_\  |_/_/   \_\_____|  |____/ |____/

qjazzd %s - map-server request dispatcher
`

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qjazzd",
	Short:   "qjazzd dispatches map-rendering requests across a pool of engine processes",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().String("config", "", "Path to the YAML configuration file")
	rootCmd.Flags().String("grpc-listen", "", "gRPC listen address (overrides config)")
	rootCmd.Flags().String("metrics-listen", ":9090", "Prometheus metrics listen address")
	rootCmd.Flags().Int("num-processes", 0, "Number of engine child processes (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	grpcListen, _ := cmd.Flags().GetString("grpc-listen")
	metricsListen, _ := cmd.Flags().GetString("metrics-listen")
	numProcesses, _ := cmd.Flags().GetInt("num-processes")

	fmt.Printf(banner, Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(supervisor.ExitConfigInvalid)
	}

	if grpcListen != "" {
		cfg.Server.Listen = grpcListen
	}
	if numProcesses > 0 {
		cfg.Worker.NumProcesses = numProcesses
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(supervisor.ExitConfigInvalid)
	}

	log := logging.New(cfg.Logging.Level)

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build supervisor: %v\n", err)
		os.Exit(supervisor.ExitFatalSpawn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx, cfg.Server.Listen, metricsListen); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(supervisor.ExitFatalSpawn)
	}

	code := sup.Run(ctx)
	os.Exit(code)
	return nil
}
