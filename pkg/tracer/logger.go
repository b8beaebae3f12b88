package tracer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-delve/steptrace/pkg/condition"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
)

// Logger emits the trace log and collects the hook commands of every
// traced step.
type Logger struct {
	mu       sync.Mutex
	compiler *condition.Compiler
	log      logflags.Logger

	logCond *condition.Condition
	logTmpl *condition.Template

	cmdCond *condition.Condition
	cmdText string
	pending []string

	out sink
}

// NewLogger returns a logger that writes to console until SetLogFile is
// called.
func NewLogger(compiler *condition.Compiler, console io.Writer) *Logger {
	return &Logger{
		compiler: compiler,
		log:      logflags.TracerLogger(),
		out:      sink{console: console},
	}
}

// SetLogTemplate sets the text logged after every step where expr is true.
// An empty expr is always true, an empty text disables logging.
func (l *Logger) SetLogTemplate(expr, text string) error {
	cond, err := l.compiler.Compile(expr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if text == "" {
		l.logCond, l.logTmpl = nil, nil
		return nil
	}
	l.logCond = cond
	l.logTmpl = l.compiler.CompileTemplate(text)
	return nil
}

// SetCommandHook sets the command executed after every step where expr is
// true. An empty expr is always true, an empty text disables the hook.
// Commands are not executed by OnStep, they are queued and must be
// collected with TakePending once the step has been processed.
func (l *Logger) SetCommandHook(expr, text string) error {
	cond, err := l.compiler.Compile(expr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if text == "" {
		l.cmdCond, l.cmdText = nil, ""
		return nil
	}
	l.cmdCond = cond
	l.cmdText = text
	return nil
}

// SetLogFile redirects the trace log to the file at path, appending to it.
// An empty path restores the console.
func (l *Logger) SetLogFile(path string) error {
	var fh *os.File
	if path != "" {
		var err error
		fh, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return &proc.IOError{Op: "open", Path: path, Err: err}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.out.closeFile(); err != nil {
		l.log.WithError(err).Warn("closing trace log file")
	}
	if fh != nil {
		l.out.transcribeTo(fh, path)
	}
	return nil
}

// LogFile returns the path of the current log file.
func (l *Logger) LogFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.path
}

// OnStep emits the log line and queues the hook command for state.
func (l *Logger) OnStep(state *proc.ThreadState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logTmpl != nil && l.holds(l.logCond, state) {
		if _, err := fmt.Fprintln(&l.out, l.logTmpl.Format(state)); err != nil {
			l.log.WithError(err).Warn("writing trace log")
		}
	}
	if l.cmdText != "" && l.holds(l.cmdCond, state) {
		l.pending = append(l.pending, l.cmdText)
	}
}

func (l *Logger) holds(cond *condition.Condition, state *proc.ThreadState) bool {
	ok, err := cond.Evaluate(state)
	if err != nil {
		l.log.WithError(err).Debugf("hook condition at %#x", state.PC)
		return false
	}
	return ok
}

// TakePending returns and clears the queued hook commands.
func (l *Logger) TakePending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.pending
	l.pending = nil
	return r
}

// Flush flushes the log file.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.flush()
}

// Close closes the log file, the logger keeps writing to the console.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.closeFile()
}

// sink writes to the console or, while a log file is open, to a buffered
// file.
type sink struct {
	console io.Writer
	file    *bufio.Writer
	fh      io.Closer
	path    string
}

func (w *sink) Write(p []byte) (int, error) {
	if w.file != nil {
		return w.file.Write(p)
	}
	if w.console == nil {
		return len(p), nil
	}
	return w.console.Write(p)
}

func (w *sink) flush() error {
	if w.file == nil {
		return nil
	}
	return w.file.Flush()
}

func (w *sink) closeFile() error {
	if w.file == nil {
		return nil
	}
	ferr := w.file.Flush()
	err := w.fh.Close()
	w.file, w.fh, w.path = nil, nil, ""
	if ferr != nil {
		return ferr
	}
	return err
}

func (w *sink) transcribeTo(fh io.WriteCloser, path string) {
	w.fh = fh
	w.file = bufio.NewWriter(fh)
	w.path = path
}
