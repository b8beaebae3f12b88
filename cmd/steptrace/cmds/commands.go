package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/go-delve/steptrace/pkg/config"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/proc/replay"
	"github.com/go-delve/steptrace/pkg/terminal"
	"github.com/go-delve/steptrace/pkg/tracer"
	"github.com/go-delve/steptrace/pkg/tracerecord"
	"github.com/go-delve/steptrace/pkg/version"
	"github.com/go-delve/steptrace/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// maxSteps overrides the max-trace-count configuration key.
	maxSteps uint64
	// metricsAddr is the address of the prometheus endpoint, empty to
	// disable it.
	metricsAddr string
	// traceLogFile overrides the trace-log-file configuration key.
	traceLogFile string
	// recordDir enables trace recording in the given directory on startup.
	recordDir string

	traceMode   = stepModeValue(proc.StepInto)
	tracePolicy = recordPolicyValue(tracer.PolicyNone)
	traceRunTo  partyValue

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const steptraceCommandLongDesc = `steptrace is an execution tracer and stepping debugger.

steptrace single-steps a stopped target until a condition over its registers
and memory becomes true, records the executed addresses in a persistent trace
record and runs the target until execution reaches code of a given party
(user or system code).

Targets are recorded executions, see 'steptrace replay --help'.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main steptrace root command.
	rootCommand = &cobra.Command{
		Use:   "steptrace",
		Short: "steptrace is an execution tracer and stepping debugger.",
		Long:  steptraceCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'steptrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'steptrace help log').")
	rootCommand.PersistentFlags().Uint64Var(&maxSteps, "max-steps", 0, "Maximum number of steps of a conditional trace, overrides max-trace-count.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serves prometheus metrics on the given address.")
	rootCommand.PersistentFlags().StringVar(&traceLogFile, "trace-log-file", "", "Writes the trace log to the specified file instead of the console.")
	rootCommand.PersistentFlags().StringVar(&recordDir, "record", "", "Enables trace recording in the specified directory.")

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay <recording>",
		Short: "Debug a recorded execution.",
		Long: `Opens a recorded execution and starts an interactive session on it.

A recording is a YAML file describing the modules of the target, its memory
and the sequence of thread states produced by single-stepping it. Stepping,
tracing and running to party all move along that sequence.`,
		Args: cobra.ExactArgs(1),
		Run:  replayCmd,
	}
	replayCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.AddCommand(replayCommand)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace <recording> [condition]",
		Short: "Run a conditional trace and exit.",
		Long: `Runs a single conditional trace on a recorded execution and prints where it stopped.

The condition is evaluated after every step, registers are predeclared as
integers and mem(addr, size) reads memory. The condition can be omitted with
the trace record policies, in which case only the record stops the trace.`,
		Args: cobra.RangeArgs(1, 2),
		Run:  traceCmd,
	}
	traceCommand.Flags().Var(&traceMode, "mode", "Step mode: into, over, into-boundary or over-boundary.")
	traceCommand.Flags().Var(&tracePolicy, "policy", "Trace record policy: condition, beyond-trace-record or into-trace-record.")
	traceCommand.Flags().Var(&traceRunTo, "run-to", "Runs to user or system code before tracing.")
	rootCommand.AddCommand(traceCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steptrace\n%s\n", version.StepTraceVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	debugger	Log debugger commands (default)
	tracer		Log conditional trace sessions
	tracerecord	Log trace record page activity
	partyrun	Log runs to party and their breakpoints
	replay		Log the replay backend
	condition	Log condition and template compilation

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	return rootCommand
}

func replayCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0], conf))
}

func traceCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		var expr string
		if len(args) > 1 {
			expr = args[1]
		}
		return runTrace(os.Stdout, args[0], expr, conf)
	}()
	os.Exit(status)
}

// debuggerConfig maps the configuration file and the command line flags to
// the debugger configuration.
func debuggerConfig(conf *config.Config) (*debugger.Config, error) {
	typ, err := tracerecord.ParseRecordType(conf.TraceRecordType)
	if err != nil {
		return nil, err
	}
	dcfg := &debugger.Config{
		MaxTraceCount:  conf.GetMaxTraceCount(),
		TraceRecordDir: conf.GetTraceRecordDir(),
		TraceRecord: tracerecord.Config{
			Type:          typ,
			CachePages:    conf.GetTraceRecordCachePages(),
			FlushInterval: uint64(conf.GetTraceRecordFlushInterval()),
		},
		TraceLogFile: conf.TraceLogFile,
		Console:      os.Stdout,
	}
	if maxSteps != 0 {
		dcfg.MaxTraceCount = maxSteps
	}
	if traceLogFile != "" {
		dcfg.TraceLogFile = traceLogFile
	}
	return dcfg, nil
}

// openDebugger opens the recording and attaches a debugger to it. The
// returned function stops the metrics server.
func openDebugger(recording string, dcfg *debugger.Config) (*debugger.Debugger, func(), error) {
	p, err := replay.Open(recording)
	if err != nil {
		return nil, nil, err
	}
	stopMetrics := func() {}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		dcfg.Registerer = reg
		srv, _, err := serveMetrics(metricsAddr, reg)
		if err != nil {
			return nil, nil, err
		}
		stopMetrics = func() { srv.Close() }
	}
	d, err := debugger.New(p, dcfg)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}
	if recordDir != "" {
		if err := d.EnableTraceRecording(true, recordDir); err != nil {
			d.Detach(context.Background(), false)
			stopMetrics()
			return nil, nil, err
		}
	}
	return d, stopMetrics, nil
}

// serveMetrics serves the metrics gathered by reg on addr.
func serveMetrics(addr string, reg prometheus.Gatherer) (*http.Server, net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't start metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logflags.DebuggerLogger().Errorf("metrics server: %v", err)
		}
	}()
	return srv, listener.Addr(), nil
}

func execute(recording string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	dcfg, err := debuggerConfig(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	var term *terminal.Term
	dcfg.OnEvent = func(ev debugger.Event) {
		if term != nil {
			term.OnEvent(ev)
		}
	}
	d, stopMetrics, err := openDebugger(recording, dcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer stopMetrics()

	term = terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// runTrace runs one conditional trace on recording, optionally preceded by
// a run to party, and prints the outcome to w.
func runTrace(w io.Writer, recording, expr string, conf *config.Config) int {
	kind := tracer.StepKind{Mode: proc.StepMode(traceMode), Policy: tracer.RecordPolicy(tracePolicy)}
	if expr == "" {
		if kind.Policy == tracer.PolicyNone {
			fmt.Fprintln(w, "a condition is required without a trace record policy")
			return 1
		}
		expr = "0"
	}

	dcfg, err := debuggerConfig(conf)
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return 1
	}
	dcfg.Console = w
	events := make(chan debugger.Event, 4)
	dcfg.OnEvent = func(ev debugger.Event) {
		select {
		case events <- ev:
		default:
		}
	}
	d, stopMetrics, err := openDebugger(recording, dcfg)
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return 1
	}
	defer stopMetrics()
	defer func() {
		if err := d.Detach(context.Background(), false); err != nil && !errors.Is(err, debugger.ErrDetached) {
			fmt.Fprintf(w, "%v\n", err)
		}
	}()

	stop := notifyCancel(d)
	defer stop()

	if traceRunTo.set {
		if err := d.StartRunToParty(context.Background(), traceRunTo.party); err != nil {
			fmt.Fprintf(w, "%v\n", err)
			return 1
		}
		ev := waitEvent(events, debugger.PartyRunFinished)
		fmt.Fprintln(w, ev)
		if !ev.PartyRun.Hit {
			return 1
		}
	}

	if err := d.StartConditionalTrace(expr, 0, kind); err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return 1
	}
	ev := waitEvent(events, debugger.TraceFinished)
	fmt.Fprintln(w, ev)
	if st := ev.Trace.State; st != nil {
		fmt.Fprintf(w, "ip = %#x\n", st.PC)
	}
	if ev.Trace.Err != nil && ev.Trace.Reason != tracer.TargetStopped {
		return 1
	}
	return 0
}

func waitEvent(events <-chan debugger.Event, kind debugger.EventKind) debugger.Event {
	for {
		ev := <-events
		if ev.Kind == kind {
			return ev
		}
	}
}
