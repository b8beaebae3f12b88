package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/steptrace/pkg/config"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/service/debugger"
)

const (
	historyFile                 string = ".steptrace_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running steptrace.
type Term struct {
	debugger *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	InitFile string

	// finished receives the end of traces and runs to party started by the
	// terminal.
	finished chan debugger.Event

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term. The caller must route the debugger events to
// Term.OnEvent.
func New(d *debugger.Debugger, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}
	return newTerm(d, conf, w, dumb)
}

func newTerm(d *debugger.Debugger, conf *config.Config, w io.Writer, dumb bool) *Term {
	cmds := DebugCommands(d)
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	t := &Term{
		debugger: d,
		conf:     conf,
		prompt:   "(steptrace) ",
		cmds:     cmds,
		dumb:     dumb,
		stdout:   &syncWriter{w: w},
		finished: make(chan debugger.Event, 1),
	}
	d.SetHookExecutor(t.execHook)
	return t
}

// syncWriter serializes the output of the command loop and of the
// debugger events.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// execHook executes a command queued by the trace command hook. It runs on
// the debugger control goroutine.
func (t *Term) execHook(ctx context.Context, cmd string) error {
	err := t.cmds.CallWithContext(cmd, t, callContext{Prefix: hookPrefix, Ctx: ctx})
	if err != nil {
		fmt.Fprintf(t.stdout, "Trace command %q failed: %v\n", cmd, err)
	}
	return err
}

// OnEvent prints an asynchronous debugger event. It is called on the
// debugger control goroutine.
func (t *Term) OnEvent(ev debugger.Event) {
	switch ev.Kind {
	case debugger.TraceFinished, debugger.PartyRunFinished:
		color := ansiGreen
		if ev.Err != nil || (ev.Kind == debugger.PartyRunFinished && !ev.PartyRun.Hit) {
			color = ansiYellow
		}
		t.Println(ev.String(), color)
		if ev.State != nil {
			printcontext(t, ev.State)
		}
		select {
		case t.finished <- ev:
		default:
		}
	case debugger.TargetExited:
		t.Println(ev.String(), ansiRed)
	}
}

// drainFinished discards events of operations nobody waited for.
func (t *Term) drainFinished() {
	for {
		select {
		case <-t.finished:
		default:
			return
		}
	}
}

// waitFinished waits for the end of the trace or run to party started by
// the current command. Commands executed by the trace command hook never
// wait.
func (t *Term) waitFinished(ctx callContext) {
	if ctx.Prefix == hookPrefix {
		return
	}
	<-t.finished
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		if t.debugger.Cancel() {
			fmt.Fprintln(t.stdout, "received SIGINT, cancelling")
		}
	}
}

// Run begins running steptrace in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintf(t.stdout, "Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Fprintf(t.stdout, "Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if proc.IsTargetGone(err) {
				fmt.Fprintln(os.Stderr, err.Error())
				continue
			}
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, highlighted with the given ANSI
// color unless the terminal is dumb.
func (t *Term) Println(str string, color int) {
	if !t.dumb {
		str = fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
	}
	fmt.Fprintln(t.stdout, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintln(t.stdout, "Error saving history file:", err)
	} else if t.line != nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Fprintln(t.stdout, "readline history error:", err)
			}
			f.Close()
		}
	}

	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()

	if err := t.debugger.Detach(context.Background(), false); err != nil && err != debugger.ErrDetached {
		return 1, err
	}
	return 0, nil
}
