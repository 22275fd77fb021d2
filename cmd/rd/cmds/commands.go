package cmds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/go-delve/rd/pkg/config"
	"github.com/go-delve/rd/pkg/logflags"
	"github.com/go-delve/rd/pkg/proc/native"
	"github.com/go-delve/rd/pkg/replay"
	"github.com/go-delve/rd/pkg/trace"
	"github.com/go-delve/rd/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	versionVerbose = false

	conf *config.Config
)

const rdCommandLongDesc = `rd replays recordings of Linux programs.

A recording is the list of syscalls, signals and scheduling events the
recorded tasks went through. rd starts the recorded executable again under
ptrace and drives it through the recording: syscall results and the memory
they wrote are injected from the trace, while the syscalls that shape the
process tree (clone, fork, execve, exit) are executed for real.

Replay options default to the values in $HOME/.rd/config.yml (or
$RD_CONFIG_DIR/config.yml).`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main rd root command.
	rootCommand = &cobra.Command{
		Use:   "rd",
		Short: "rd replays recorded executions of Linux programs.",
		Long:  rdCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable replay logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rd help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rd help log').")

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay <path/to/trace>",
		Short: "Replay a recording.",
		Long: `Replay a recording.

The recorded executable is started again and driven through every frame of
the trace. Writes the recorded tasks made to stdout and stderr are echoed,
unless --redirect-stdio=false is given.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide the path of a trace")
			}
			return nil
		},
		Run: replayCmd,
	}
	addReplayFlags(replayCommand.Flags(), conf)
	rootCommand.AddCommand(replayCommand)

	// 'trace-info' subcommand.
	traceInfoCommand := &cobra.Command{
		Use:   "trace-info <path/to/trace>",
		Short: "Print the header and statistics of a recording.",
		Long:  "Print the header and statistics of a recording as JSON.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide the path of a trace")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return traceInfo(cmd.OutOrStdout(), args[0])
		},
	}
	rootCommand.AddCommand(traceInfoCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rd replayer\n%s\n", version.RdVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Trace script version: %d\n", version.TraceScriptVersion)
				fmt.Fprint(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	replay	Log frames as they are replayed (default)
	syscall	Log the processing of every syscall
	task	Log task creation, status changes and destruction
	ptrace	Log ptrace requests and wait results
	tg	Log thread group creation and destruction

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addReplayFlags binds the replay options of c to fs. The values already
// in c are the defaults.
func addReplayFlags(fs *pflag.FlagSet, c *config.Config) {
	fs.BoolVar(&c.FatalErrorsAndWarnings, "fatal", c.FatalErrorsAndWarnings, "Treat warnings, like tick count mismatches, as errors.")
	fs.BoolVar(&c.CheckCachedMaps, "check-cached-maps", c.CheckCachedMaps, "Check the mappings known to the replayer against /proc/<tid>/maps after every syscall.")
	fs.BoolVar(&c.RedirectStdio, "redirect-stdio", c.RedirectStdio, "Echo recorded writes to stdout and stderr.")
	fs.BoolVar(&c.MarkStdio, "mark-stdio", c.MarkStdio, "Prefix echoed writes with the thread group and frame time that produced them.")
	fs.Var((*frameTimeValue)(&c.DumpAt), "dump-at", "Log the registers of the running task at this frame time.")
	fs.StringSliceVar(&c.DumpOn, "dump-on", c.DumpOn, `Log the registers of the running task every time these syscalls are processed ("all" for every syscall).`)
	fs.Var(&cpuValue{p: &c.BindCPU}, "cpu", "Bind tracees to this CPU instead of the recorded one, -1 disables binding.")
	fs.StringVar(&c.ForcedUarch, "forced-uarch", c.ForcedUarch, `Count ticks with the counter of this microarchitecture ("none" disables tick checks).`)
	fs.BoolVar(&c.DisablePtraceExitEvents, "no-exit-events", c.DisablePtraceExitEvents, "Don't request PTRACE_EVENT_EXIT stops.")
}

// frameTimeValue is a pflag.Value for frame times, which are positive.
type frameTimeValue int64

func (v *frameTimeValue) String() string {
	if *v == 0 {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func (v *frameTimeValue) Set(s string) error {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid frame time %q", s)
	}
	if n <= 0 {
		return fmt.Errorf("frame time %d out of range, frame times start at 1", n)
	}
	*v = frameTimeValue(n)
	return nil
}

func (v *frameTimeValue) Type() string { return "time" }

// cpuValue is a pflag.Value setting an optional CPU number.
type cpuValue struct {
	p **int
}

func (v *cpuValue) String() string {
	if v.p == nil || *v.p == nil {
		return ""
	}
	return strconv.Itoa(**v.p)
}

func (v *cpuValue) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid cpu %q", s)
	}
	*v.p = &n
	return nil
}

func (v *cpuValue) Type() string { return "int" }

func replayCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0], conf))
}

func execute(tracePath string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	r, err := trace.LoadScript(tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load trace: %v\n", err)
		return 1
	}
	tracer := native.NewTracer()
	tracer.ForcedUarch = conf.ForcedUarch
	defer tracer.Close()

	s, err := replay.NewSession(conf, tracer, r)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := s.Launch(); err != nil {
		fmt.Fprintf(os.Stderr, "could not launch %s: %v\n", r.Header().Exe, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := s.Replay(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var corrupt *replay.ErrTraceCorrupt
		if errors.As(err, &corrupt) {
			fmt.Fprintf(os.Stderr, "%s was probably not produced by a compatible recorder\n", tracePath)
		}
		return 1
	}
	return 0
}

type traceInfoOut struct {
	Header trace.Header
	Stats  trace.Stats
}

func traceInfo(out io.Writer, tracePath string) error {
	r, err := trace.LoadScript(tracePath)
	if err != nil {
		return err
	}
	buf, err := json.MarshalIndent(traceInfoOut{Header: *r.Header(), Stats: r.ComputeStats()}, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", buf)
	return err
}
