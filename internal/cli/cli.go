// ============================================================================
// relaunchd CLI - launchd daemon 命令列
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line of the supervisor daemon
//
// Command Structure:
//   launchd                        # Root command
//   ├── run                        # Start the supervisor
//   │   └── --config, -c          # Specify config file
//   └── --version                  # Display version information
//
// Configuration Management:
//   Uses YAML format config file (default: <configdir>/launchd.yaml)
//   A missing default config file means built-in defaults; a missing file
//   named with --config is an error.
//   Configuration items include:
//   - domain / state_dir / manifest_dirs / watch
//   - activation: listen backlog
//   - process: exit timeout and keep-alive throttle
//   - metrics: Prometheus endpoint
//   - log: level and format
//
// run Command:
//   1. Load config file and install the slog handler
//   2. Create the Manager (event queue + control socket)
//   3. Start the control server, manifest watcher and metrics server
//   4. Load every manifest directory and run the start-all sweep
//   5. Run the event loop until SIGINT / SIGTERM
//   6. SIGTERM remaining jobs and close all descriptors
//
//   Examples:
//     launchd run
//     launchd run -c /etc/relaunchd/launchd.yaml
//
// Error Handling:
//   - Config load failed: nothing is started
//   - Event queue / control socket failed: returned before any job is loaded
//   - Manifest errors: logged, the remaining jobs still start
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/internal/domain"
	"github.com/ChuLiYu/relaunchd/internal/manager"
	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/metrics"
	"github.com/ChuLiYu/relaunchd/internal/rpc"
)

// ConfigFileName is looked up in the domain's config directory.
const ConfigFileName = "launchd.yaml"

// Config represents the complete daemon configuration
// Maps config file fields through YAML tags
type Config struct {
	Domain       string   `yaml:"domain"`
	StateDir     string   `yaml:"state_dir"`
	ManifestDirs []string `yaml:"manifest_dirs"`
	Watch        bool     `yaml:"watch"`

	Activation struct {
		Backlog int `yaml:"backlog"`
	} `yaml:"activation"`

	Process struct {
		ExitTimeout      time.Duration `yaml:"exit_timeout"`
		ThrottleInterval time.Duration `yaml:"throttle_interval"`
	} `yaml:"process"`

	RPC struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"rpc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 回傳內建預設值；YAML 中沒寫的欄位保持這些值
func DefaultConfig() Config {
	var cfg Config
	cfg.Watch = true
	cfg.Activation.Backlog = 500
	cfg.Process.ExitTimeout = manifest.DefaultExitTimeout
	cfg.Process.ThrottleInterval = manifest.DefaultThrottleInterval
	cfg.RPC.Timeout = rpc.DefaultTimeout
	cfg.Metrics.Address = "127.0.0.1:9464"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// BuildDaemonCLI builds the `launchd` command tree.
func BuildDaemonCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "launchd",
		Short: "relaunchd: a user-space service supervisor",
		Long: `relaunchd supervises long-running jobs described by JSON manifests:
- single-threaded event loop over epoll
- TCP socket activation
- keep-alive respawn with throttling
- control socket for launchctl`,
		Version:       manager.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default <configdir>/"+ConfigFileName+")")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	return rootCmd
}

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor",
		Long:  "Load every manifest directory and supervise the jobs until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, cfg, log)
		},
	}
}

// runDaemon 執行 supervisor 直到 ctx 結束
func runDaemon(ctx context.Context, cfg *Config, log *slog.Logger) error {
	mcfg, err := cfg.managerConfig(log)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mcfg.Metrics = metrics.NewCollector(reg)
	}

	m, err := manager.New(mcfg)
	if err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	sctx := stopper.WithContext(context.Background())
	defer func() {
		sctx.Stop(5 * time.Second)
		if err := sctx.Wait(); err != nil {
			log.Warn("background task failed", "error", err)
		}
	}()

	if err := m.Start(sctx); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if _, err := metrics.StartServer(sctx, cfg.Metrics.Address, reg, log); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	log.Info("supervisor started",
		"domain", mcfg.Domain,
		"socket", m.SocketPath(),
		"manifest_dirs", mcfg.ManifestDirs,
	)
	// manifest errors are already logged per file
	_ = m.LoadAll()

	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}
	log.Info("received shutdown signal, stopping")
	return nil
}

// managerConfig 將 YAML 設定轉成 manager.Config，補上 domain 相關的預設路徑
func (c *Config) managerConfig(log *slog.Logger) (manager.Config, error) {
	d, err := domain.Parse(c.Domain)
	if err != nil {
		return manager.Config{}, err
	}

	stateDir := c.StateDir
	if stateDir == "" {
		if stateDir, err = d.StateDir(); err != nil {
			return manager.Config{}, err
		}
	}
	dirs := c.ManifestDirs
	if len(dirs) == 0 {
		dir, err := d.ManifestDir()
		if err != nil {
			return manager.Config{}, err
		}
		dirs = []string{dir}
	}

	return manager.Config{
		Domain:       d,
		StateDir:     stateDir,
		ManifestDirs: dirs,
		Watch:        c.Watch,
		Backlog:      c.Activation.Backlog,
		Defaults: manifest.Defaults{
			ExitTimeout:      c.Process.ExitTimeout,
			ThrottleInterval: c.Process.ThrottleInterval,
		},
		Logger: log,
	}, nil
}

// loadConfig 讀取 YAML 設定
//
// path 為空字串時使用 domain 預設位置，檔案不存在就使用預設值。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		dir, err := domain.Default().ConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if _, err := domain.Parse(cfg.Domain); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// newLogger 依 log.level / log.format 建立 slog handler
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.Log.Format)
}
