package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/relaunchd/internal/domain"
	"github.com/ChuLiYu/relaunchd/internal/rpc"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// launchctl - 控制客戶端
// ============================================================================
//
// Command Structure:
//   launchctl [-c config] [--domain user|system] [--timeout 30s] [--socket path]
//   ├── list                         # PID / Status / Label
//   ├── load [-F] [-w] <paths...>
//   ├── unload [-w] <paths...>
//   ├── remove <label>
//   ├── enable <label> / disable <label>
//   ├── kill <signal> <label>
//   ├── submit -l label [-p program] [-o out] [-e err] -- argv...
//   ├── start <label> / stop <label>
//   ├── dump [label]
//   ├── version
//   └── help
//
// Exit codes:
//   0 success or help, 1 RPC failure, 2 no subcommand or bad arguments,
//   3 unknown subcommand
//
// Defaults:
//   --domain, --timeout and --socket fall back to the daemon's launchd.yaml
//   (domain, rpc.timeout, state_dir) when the flags are not given.
//
// ============================================================================

// Exit codes of launchctl.
const (
	ExitOK         = 0
	ExitRPCFailure = 1
	ExitUsage      = 2
	ExitUnknown    = 3
)

var errNoSubcommand = errors.New("no subcommand given")

type unknownCommandError struct{ name string }

func (e *unknownCommandError) Error() string {
	return fmt.Sprintf("unknown subcommand %q", e.name)
}

// usageError 表示命令列參數或旗標錯誤，在送出任何請求之前發生
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// usageArgs wraps a cobra argument validator so its errors exit with ExitUsage.
func usageArgs(args cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := args(cmd, a); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// controlOptions are the persistent flags shared by every subcommand.
type controlOptions struct {
	configFile string
	domain     string
	timeout    time.Duration
	socket     string
}

// target 是一次呼叫要連線的 supervisor
type target struct {
	domain  domain.Domain
	socket  string
	timeout time.Duration
}

// RunControl 執行 launchctl 並回傳 exit code
func RunControl(args []string, stdout, stderr io.Writer) int {
	cmd := BuildControlCLI()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	var unknown *unknownCommandError
	var usage *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errNoSubcommand):
		fmt.Fprintln(stderr, cmd.UsageString())
		return ExitUsage
	case errors.As(err, &usage):
		fmt.Fprintf(stderr, "launchctl: %v\n", err)
		return ExitUsage
	case errors.As(err, &unknown):
		fmt.Fprintf(stderr, "launchctl: %v\n", err)
		return ExitUnknown
	}
	fmt.Fprintf(stderr, "launchctl: %v\n", err)
	return ExitRPCFailure
}

// BuildControlCLI builds the `launchctl` command tree.
func BuildControlCLI() *cobra.Command {
	return buildControlCLI(&controlOptions{})
}

func buildControlCLI(opts *controlOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "launchctl",
		Short:         "Control a running relaunchd supervisor",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errNoSubcommand
			}
			return &unknownCommandError{name: args[0]}
		},
	}
	// help exits 0 through cobra's own help command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "daemon config file (default <configdir>/"+ConfigFileName+")")
	pf.StringVar(&opts.domain, "domain", "", "supervisor domain: user or system; from the config or uid when unset")
	pf.DurationVar(&opts.timeout, "timeout", rpc.DefaultTimeout, "per-request timeout; rpc.timeout from the config when unset")
	pf.StringVar(&opts.socket, "socket", "", "control socket path (default <statedir>/rpc.sock)")

	rootCmd.AddCommand(
		buildListCommand(opts),
		buildLoadCommand(opts),
		buildUnloadCommand(opts),
		simpleLabelCommand(opts, rpc.MethodRemove, "Unload a job by label"),
		simpleLabelCommand(opts, rpc.MethodEnable, "Enable a job persistently"),
		simpleLabelCommand(opts, rpc.MethodDisable, "Disable a job persistently"),
		buildKillCommand(opts),
		buildSubmitCommand(opts),
		simpleLabelCommand(opts, rpc.MethodStart, "Start a job now, even if disabled"),
		simpleLabelCommand(opts, rpc.MethodStop, "Send SIGTERM to a job and keep it loaded"),
		buildDumpCommand(opts),
		buildVersionCommand(opts),
	)
	for _, c := range rootCmd.Commands() {
		if c.Args != nil {
			c.Args = usageArgs(c.Args)
		}
	}
	return rootCmd
}

// resolve 決定要連線的 supervisor
//
// 旗標優先；沒給的值取自 daemon 的設定檔，再退回 domain 預設值。
// 預設位置的設定檔不存在時使用內建預設。
func (o *controlOptions) resolve(cmd *cobra.Command) (target, error) {
	cfg, err := loadConfig(o.configFile)
	if err != nil {
		return target{}, err
	}

	name := o.domain
	if name == "" {
		name = cfg.Domain
	}
	d, err := domain.Parse(name)
	if err != nil {
		return target{}, err
	}

	timeout := o.timeout
	if !cmd.Flags().Changed("timeout") && cfg.RPC.Timeout > 0 {
		timeout = cfg.RPC.Timeout
	}

	path := o.socket
	switch {
	case path != "":
	case cfg.StateDir != "":
		path = filepath.Join(cfg.StateDir, domain.SocketName)
	default:
		if path, err = d.SocketPath(); err != nil {
			return target{}, err
		}
	}
	return target{domain: d, socket: path, timeout: timeout}, nil
}

// call 連線到 supervisor 執行一個方法
func (o *controlOptions) call(cmd *cobra.Command, method string, args []string, kwargs map[string]any) (rpc.Reply, error) {
	t, err := o.resolve(cmd)
	if err != nil {
		return rpc.Reply{}, err
	}

	c, err := rpc.Dial(t.socket, string(t.domain), t.timeout)
	if err != nil {
		return rpc.Reply{}, err
	}
	defer c.Close()
	return c.Call(cmd.Context(), method, args, kwargs)
}

func buildListCommand(opts *controlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.call(cmd, rpc.MethodList, nil, nil)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), reply.Jobs)
		},
	}
}

// printJobs writes the `PID Status Label` table.
func printJobs(w io.Writer, jobs []types.JobSummary) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "PID\tStatus\tLabel")
	for _, j := range jobs {
		pid := "-"
		if j.PID > 0 {
			pid = strconv.Itoa(j.PID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", pid, j.LastExitStatus, j.Label)
	}
	return tw.Flush()
}

func buildLoadCommand(opts *controlOptions) *cobra.Command {
	var force, write bool
	cmd := &cobra.Command{
		Use:   "load [-F] [-w] <paths...>",
		Short: "Load manifests from files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kwargs := map[string]any{"force": force, "write": write}
			_, err := opts.call(cmd, rpc.MethodLoad, args, kwargs)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "F", false, "start the jobs even if disabled")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "persistently enable the jobs")
	return cmd
}

func buildUnloadCommand(opts *controlOptions) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "unload [-w] <paths...>",
		Short: "Stop and unload the jobs of manifest files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.call(cmd, rpc.MethodUnload, args, map[string]any{"write": write})
			return err
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "persistently disable the jobs")
	return cmd
}

func simpleLabelCommand(opts *controlOptions, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method + " <label>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.call(cmd, method, args, nil)
			return err
		},
	}
}

func buildKillCommand(opts *controlOptions) *cobra.Command {
	var generation uint64
	cmd := &cobra.Command{
		Use:   "kill <signal> <label>",
		Short: "Send a signal to a running job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kwargs map[string]any
			if generation > 0 {
				kwargs = map[string]any{"generation": generation}
			}
			_, err := opts.call(cmd, rpc.MethodKill, args, kwargs)
			return err
		},
	}
	cmd.Flags().Uint64Var(&generation, "generation", 0, "only signal this generation of the job")
	return cmd
}

func buildSubmitCommand(opts *controlOptions) *cobra.Command {
	var label, program, stdout, stderr string
	var noKeepAlive bool
	cmd := &cobra.Command{
		Use:   "submit -l <label> [-p program] [-o path] [-e path] -- <command> [args...]",
		Short: "Run a command as a keep-alive job without a manifest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return &usageError{err: errors.New(`required flag "label" not set`)}
			}
			kwargs := map[string]any{"label": label, "keepalive": !noKeepAlive}
			for k, v := range map[string]string{"program": program, "stdout": stdout, "stderr": stderr} {
				if v != "" {
					kwargs[k] = v
				}
			}
			_, err := opts.call(cmd, rpc.MethodSubmit, args, kwargs)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&label, "label", "l", "", "job label")
	f.StringVarP(&program, "program", "p", "", "program to execute (default argv[0])")
	f.StringVarP(&stdout, "stdout", "o", "", "standard output path")
	f.StringVarP(&stderr, "stderr", "e", "", "standard error path")
	f.BoolVar(&noKeepAlive, "no-keepalive", false, "do not restart the job when it exits")
	return cmd
}

func buildDumpCommand(opts *controlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump [label]",
		Short: "Show the state of one job or of all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.call(cmd, rpc.MethodDump, args, nil)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, j := range reply.Jobs {
				fmt.Fprintf(w, "%s = {\n", j.Label)
				fmt.Fprintf(w, "\tstate = %s\n", j.State)
				if j.PID > 0 {
					fmt.Fprintf(w, "\tpid = %d\n", j.PID)
				}
				fmt.Fprintf(w, "\tlast exit status = %d\n", j.LastExitStatus)
				fmt.Fprintf(w, "\tgeneration = %d\n", j.Generation)
				fmt.Fprintln(w, "}")
			}
			return nil
		},
	}
}

func buildVersionCommand(opts *controlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the supervisor version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.call(cmd, rpc.MethodVersion, nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(reply.Version))
			return nil
		},
	}
}
