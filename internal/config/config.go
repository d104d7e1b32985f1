// Package config loads and validates the server/worker configuration
// sections, overlays CONF_-prefixed environment variables, and loads
// the pinned-project restore list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration: a struct per top-level section,
// with duration fields parsed from plain integer-seconds YAML fields.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Listen               string `yaml:"listen"`
	TimeoutSecs          int    `yaml:"timeout"`
	ShutdownGraceSecs    int    `yaml:"shutdown_grace_period"`
	MaxFailurePressure   float64 `yaml:"max_failure_pressure"`
	EnableAdminServices  bool   `yaml:"enable_admin_services"`

	Timeout       time.Duration `yaml:"-"`
	ShutdownGrace time.Duration `yaml:"-"`
}

type WorkerConfig struct {
	NumProcesses         int      `yaml:"num_processes"`
	ProcessStartSecs     int      `yaml:"process_start_timeout"`
	CancelTimeoutSecs    int      `yaml:"cancel_timeout"`
	MaxWaitingRequests   int      `yaml:"max_waiting_requests"`
	MaxFailurePressure   float64  `yaml:"max_failure_pressure"`
	MaxRequests          int      `yaml:"max_requests"`
	RestoreProjects      []string `yaml:"restore_projects"`
	RestoreListPath      string   `yaml:"restore_list_path"`
	RestoreListCommand   string   `yaml:"restore_list_command"`

	ProcessStartTimeout time.Duration `yaml:"-"`
	CancelTimeout       time.Duration `yaml:"-"`
}

// EngineConfig is the per-child rendering-engine configuration block.
type EngineConfig struct {
	MaxProjects                    int                     `yaml:"max_projects"`
	LoadProjectOnRequest            bool                    `yaml:"load_project_on_request"`
	ReloadOutdatedProjectOnRequest  bool                    `yaml:"reload_outdated_project_on_request"`
	MaxChunkSize                   int                      `yaml:"max_chunk_size"`
	IgnoreInterruptSignal           bool                     `yaml:"ignore_interrupt_signal"`
	SearchPaths                     []SearchPathEntry        `yaml:"search_paths"`
	Handlers                        map[string]HandlerConfig `yaml:"handlers"`
	Binary                           string                   `yaml:"binary"`
	WorkerScript                     string                   `yaml:"worker_script"`
}

type SearchPathEntry struct {
	MountPrefix string `yaml:"mount_prefix"`
	Template    string `yaml:"template_url"`
}

type HandlerConfig struct {
	Scheme   string            `yaml:"scheme"`
	Settings map[string]string `yaml:"settings"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:              "0.0.0.0:9080",
			TimeoutSecs:         30,
			ShutdownGraceSecs:   20,
			MaxFailurePressure:  0.8,
			EnableAdminServices: true,
			Timeout:             30 * time.Second,
			ShutdownGrace:       20 * time.Second,
		},
		Worker: WorkerConfig{
			NumProcesses:        4,
			ProcessStartSecs:    10,
			CancelTimeoutSecs:   3,
			MaxWaitingRequests:  50,
			MaxFailurePressure:  0.5,
			ProcessStartTimeout: 10 * time.Second,
			CancelTimeout:       3 * time.Second,
		},
		Engine: EngineConfig{
			MaxProjects: 50,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file (if present; a missing file is not an
// error and yields defaults), then applies the CONF_ environment
// overlay, then derives duration fields from their *_secs companions.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	applyEnvOverlay(cfg)
	deriveDurations(cfg)
	return cfg, nil
}

func deriveDurations(cfg *Config) {
	cfg.Server.Timeout = time.Duration(cfg.Server.TimeoutSecs) * time.Second
	cfg.Server.ShutdownGrace = time.Duration(cfg.Server.ShutdownGraceSecs) * time.Second
	cfg.Worker.ProcessStartTimeout = time.Duration(cfg.Worker.ProcessStartSecs) * time.Second
	cfg.Worker.CancelTimeout = time.Duration(cfg.Worker.CancelTimeoutSecs) * time.Second
}

// applyEnvOverlay overrides scalar fields from CONF_<SECTION>__<KEY>
// environment variables. Only the handful of hot-path scalars used at
// startup are covered; richer live config patches go through the
// admin plane's SetConfig, not the environment.
func applyEnvOverlay(cfg *Config) {
	overlayString("CONF_SERVER__LISTEN", &cfg.Server.Listen)
	overlayInt("CONF_SERVER__TIMEOUT", &cfg.Server.TimeoutSecs)
	overlayInt("CONF_SERVER__SHUTDOWN_GRACE_PERIOD", &cfg.Server.ShutdownGraceSecs)
	overlayFloat("CONF_SERVER__MAX_FAILURE_PRESSURE", &cfg.Server.MaxFailurePressure)
	overlayBool("CONF_SERVER__ENABLE_ADMIN_SERVICES", &cfg.Server.EnableAdminServices)

	overlayInt("CONF_WORKER__NUM_PROCESSES", &cfg.Worker.NumProcesses)
	overlayInt("CONF_WORKER__PROCESS_START_TIMEOUT", &cfg.Worker.ProcessStartSecs)
	overlayInt("CONF_WORKER__CANCEL_TIMEOUT", &cfg.Worker.CancelTimeoutSecs)
	overlayInt("CONF_WORKER__MAX_WAITING_REQUESTS", &cfg.Worker.MaxWaitingRequests)
	overlayFloat("CONF_WORKER__MAX_FAILURE_PRESSURE", &cfg.Worker.MaxFailurePressure)
	overlayInt("CONF_WORKER__MAX_REQUESTS", &cfg.Worker.MaxRequests)
}

func overlayString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overlayInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overlayBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Worker.NumProcesses < 1 {
		return fmt.Errorf("worker.num_processes must be >= 1")
	}
	if c.Worker.MaxWaitingRequests < 0 {
		return fmt.Errorf("worker.max_waiting_requests must be >= 0")
	}
	if c.Server.Timeout < time.Second {
		return fmt.Errorf("server.timeout too low: %v", c.Server.Timeout)
	}
	if c.Server.MaxFailurePressure < 0 || c.Server.MaxFailurePressure > 1 {
		return fmt.Errorf("server.max_failure_pressure must be in [0,1]")
	}
	if c.Worker.MaxFailurePressure < 0 || c.Worker.MaxFailurePressure > 1 {
		return fmt.Errorf("worker.max_failure_pressure must be in [0,1]")
	}
	if c.Engine.MaxProjects < 0 {
		return fmt.Errorf("engine.max_projects must be >= 0")
	}
	return nil
}
