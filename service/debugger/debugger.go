package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-delve/steptrace/pkg/condition"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/partyrun"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/tracer"
	"github.com/go-delve/steptrace/pkg/tracerecord"
)

var (
	// ErrTargetRunning is returned by operations that need a stopped
	// target while a trace, a run to party or a continue is in progress.
	ErrTargetRunning = errors.New("the target is running")
	// ErrRecordInUse is returned when recording is disabled while a trace
	// that depends on the trace record is running.
	ErrRecordInUse = errors.New("a trace depending on the trace record is running")
	// ErrDetached is returned by every operation after Detach.
	ErrDetached = errors.New("debugger detached from the target")
)

// Debugger service.
//
// Debugger owns the debugger control goroutine: every step, continue and
// breakpoint callback runs on it. Commands can be issued from any
// goroutine, operations that take a context wait for the control goroutine
// to execute them, the Start operations return as soon as the work is
// queued and report completion through Config.OnEvent.
type Debugger struct {
	config *Config
	target proc.Target
	log    logflags.Logger

	compiler *condition.Compiler
	record   *tracerecord.Store
	logger   *tracer.Logger
	session  *tracer.Session
	runner   *partyrun.Runner
	metrics  *metrics

	queue     *workQueue
	loopDone  chan struct{}
	closeOnce sync.Once

	// traceMutex serializes configuring and starting traces.
	traceMutex sync.Mutex
	traceStart time.Time

	continuing int32
	detached   int32

	hookMutex sync.Mutex
	hookExec  func(ctx context.Context, cmd string) error

	userBreakpoints map[int]*proc.Breakpoint
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// MaxTraceCount is the step cap of traces started with a zero cap.
	MaxTraceCount uint64

	// TraceRecordDir is the directory used when trace recording is enabled
	// without a path.
	TraceRecordDir string
	// TraceRecord configures the trace record.
	TraceRecord tracerecord.Config

	// TraceLogFile, if set, is the initial trace log file.
	TraceLogFile string
	// Console receives the trace log while no log file is set.
	Console io.Writer

	// Registerer registers the debugger metrics, it can be nil.
	Registerer prometheus.Registerer

	// OnEvent is called on the control goroutine for every asynchronous
	// event. It must not wait for operations that need the control
	// goroutine.
	OnEvent func(Event)
}

// EventKind is the kind of an Event.
type EventKind uint8

const (
	// TraceFinished is sent when a conditional trace stops.
	TraceFinished EventKind = iota
	// PartyRunFinished is sent when a run to party ends.
	PartyRunFinished
	// TargetExited is sent when the target exits.
	TargetExited
)

// Event is an asynchronous notification of the debugger.
type Event struct {
	Kind     EventKind
	Trace    tracer.StopEvent
	PartyRun partyrun.Result
	State    *proc.ThreadState
	Err      error
}

func (ev Event) String() string {
	switch ev.Kind {
	case TraceFinished:
		return ev.Trace.String()
	case PartyRunFinished:
		return ev.PartyRun.String()
	case TargetExited:
		return ev.Err.Error()
	}
	return "unknown event"
}

type controlKey struct{}

// New creates a Debugger for target and starts its control goroutine.
func New(target proc.Target, config *Config) (*Debugger, error) {
	if config == nil {
		config = &Config{}
	}
	d := &Debugger{
		config:          config,
		target:          target,
		log:             logflags.DebuggerLogger(),
		compiler:        condition.NewCompiler(target.RegisterNames()),
		record:          tracerecord.New(config.TraceRecord),
		metrics:         newMetrics(config.Registerer),
		queue:           newWorkQueue(),
		loopDone:        make(chan struct{}),
		userBreakpoints: make(map[int]*proc.Breakpoint),
	}
	d.record.SetModules(target)
	d.logger = tracer.NewLogger(d.compiler, config.Console)
	if config.TraceLogFile != "" {
		if err := d.logger.SetLogFile(config.TraceLogFile); err != nil {
			return nil, err
		}
	}
	d.session = tracer.NewSession(tracer.Config{
		Compiler:        d.compiler,
		Record:          d.record,
		Logger:          d.logger,
		DefaultMaxSteps: config.MaxTraceCount,
		OnStop:          d.onTraceStop,
	})
	d.runner = partyrun.New(target, d.resumeForPartyRun, d.onPartyRunDone)

	go d.loop()
	d.log.Debugf("debugging process %d (%d bits)", target.Pid(), target.Bits())
	return d, nil
}

func (d *Debugger) loop() {
	defer close(d.loopDone)
	for {
		job := d.queue.pop()
		if job == nil {
			return
		}
		job()
	}
}

// post queues job for the control goroutine.
func (d *Debugger) post(job func()) error {
	if !d.queue.push(job) {
		return ErrDetached
	}
	return nil
}

// call executes fn on the control goroutine and waits for it. When ctx
// comes from a hook command fn is already running on the control
// goroutine and is executed directly.
func (d *Debugger) call(ctx context.Context, fn func()) error {
	if ctx.Value(controlKey{}) == d {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := d.post(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Debugger) emit(ev Event) {
	if d.config.OnEvent != nil {
		d.config.OnEvent(ev)
	}
}

func (d *Debugger) checkAttached() error {
	if atomic.LoadInt32(&d.detached) != 0 {
		return ErrDetached
	}
	return nil
}

// busy returns ErrTargetRunning if the target is being driven by a trace,
// a run to party or a continue.
func (d *Debugger) busy() error {
	if d.session.State() == tracer.Running || d.runner.Active() || atomic.LoadInt32(&d.continuing) != 0 {
		return ErrTargetRunning
	}
	return nil
}

// SetHookExecutor sets the function that executes the commands of the
// trace command hook. It is called on the control goroutine with a context
// that lets it call back into the debugger.
func (d *Debugger) SetHookExecutor(fn func(ctx context.Context, cmd string) error) {
	d.hookMutex.Lock()
	d.hookExec = fn
	d.hookMutex.Unlock()
}

// Compiler returns the expression compiler of the target.
func (d *Debugger) Compiler() *condition.Compiler {
	return d.compiler
}

// StartConditionalTrace configures and starts a conditional trace. It
// returns once the trace is queued, a tracer.ErrAlreadyActive error if a
// trace is running and an *condition.InvalidConditionError if expr is
// invalid. The end of the trace is reported with a TraceFinished event.
func (d *Debugger) StartConditionalTrace(expr string, maxSteps uint64, kind tracer.StepKind) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	d.traceMutex.Lock()
	defer d.traceMutex.Unlock()
	if d.session.State() != tracer.Running {
		if err := d.busy(); err != nil {
			return err
		}
	}
	if err := d.session.Configure(expr, maxSteps, kind); err != nil {
		return err
	}
	if err := d.session.Start(); err != nil {
		return err
	}
	d.traceStart = time.Now()
	if err := d.post(d.runTrace); err != nil {
		// the control goroutine is gone, nobody will drive the session
		d.session.Stop(tracer.Cancelled, err)
		return err
	}
	return nil
}

func (d *Debugger) runTrace() {
	_, err := d.session.Run(d.target, d.runHooks)
	if err != nil {
		d.log.WithError(err).Error("trace")
	}
}

// runHooks executes the commands queued by the trace command hook during
// the last step.
func (d *Debugger) runHooks() {
	cmds := d.logger.TakePending()
	if len(cmds) == 0 {
		return
	}
	d.hookMutex.Lock()
	exec := d.hookExec
	d.hookMutex.Unlock()
	if exec == nil {
		return
	}
	ctx := context.WithValue(context.Background(), controlKey{}, d)
	for _, cmd := range cmds {
		if err := exec(ctx, cmd); err != nil {
			d.log.WithError(err).Warnf("trace command %q", cmd)
		}
	}
}

func (d *Debugger) onTraceStop(ev tracer.StopEvent) {
	d.metrics.traceSteps.Add(float64(ev.Steps))
	d.metrics.traceStops.WithLabelValues(ev.Reason.String()).Inc()
	d.metrics.traceDuration.Observe(time.Since(d.traceStart).Seconds())
	d.flush()
	d.emit(Event{Kind: TraceFinished, Trace: ev, State: ev.State, Err: ev.Err})
	if ev.Reason == tracer.TargetStopped {
		d.targetGone(ev.Err)
	}
}

func (d *Debugger) flush() {
	if err := d.record.Flush(); err != nil {
		d.log.WithError(err).Error("flushing trace record")
	}
	if err := d.logger.Flush(); err != nil {
		d.log.WithError(err).Error("flushing trace log")
	}
}

func (d *Debugger) targetGone(err error) {
	var exited proc.ErrProcessExited
	if errors.As(err, &exited) {
		d.emit(Event{Kind: TargetExited, Err: exited})
	}
}

// StartRunToParty installs execute breakpoints over every section of the
// modules of party and resumes the target. It returns partyrun.ErrBusy if
// a run is in progress and partyrun.ErrNoSections if no module belongs to
// party. The end of the run is reported with a PartyRunFinished event.
func (d *Debugger) StartRunToParty(ctx context.Context, party proc.Party) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	if d.runner.Active() {
		return partyrun.ErrBusy
	}
	var err error
	if cerr := d.call(ctx, func() {
		if d.runner.Active() {
			err = partyrun.ErrBusy
			return
		}
		if err = d.busy(); err != nil {
			return
		}
		err = d.runner.Run(party)
		if err == nil {
			d.metrics.partyBreakpoint.Set(float64(d.runner.Owned()))
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// resumeForPartyRun queues the continue of a run to party, it is called by
// the runner on the control goroutine.
func (d *Debugger) resumeForPartyRun() error {
	atomic.StoreInt32(&d.continuing, 1)
	if err := d.post(d.continuePartyRun); err != nil {
		atomic.StoreInt32(&d.continuing, 0)
		return err
	}
	return nil
}

func (d *Debugger) continuePartyRun() {
	stop, err := d.target.Continue()
	atomic.StoreInt32(&d.continuing, 0)
	switch {
	case err != nil:
		d.runner.Cancel(err)
		d.targetGone(err)
	case !d.runner.Active():
		// a breakpoint installed by the run was hit
	case stop.State != nil && d.runner.Tracks(stop.State.PC):
		d.runner.OnBreakpointHit(stop.State.PC)
	case stop.Manual:
		d.runner.Cancel(nil)
	case stop.State != nil:
		d.runner.Cancel(fmt.Errorf("stopped at %#x", stop.State.PC))
	default:
		d.runner.Cancel(nil)
	}
}

func (d *Debugger) onPartyRunDone(res partyrun.Result) {
	result := "hit"
	if !res.Hit {
		result = "cancelled"
	}
	d.metrics.partyRuns.WithLabelValues(res.Party.String(), result).Inc()
	d.metrics.partyBreakpoint.Set(0)
	atomic.StoreInt32(&d.continuing, 0)
	var state *proc.ThreadState
	if atomic.LoadInt32(&d.detached) == 0 {
		state = d.target.CurrentState()
	}
	d.emit(Event{Kind: PartyRunFinished, PartyRun: res, State: state, Err: res.Err})
}

// Cancel asks the running trace to stop before its next step and
// interrupts a running continue. It returns false if there was nothing to
// cancel.
func (d *Debugger) Cancel() bool {
	cancelled := d.session.RequestCancel()
	if atomic.LoadInt32(&d.continuing) != 0 || d.runner.Active() {
		if err := d.target.RequestManualStop(); err != nil {
			d.log.WithError(err).Warn("manual stop")
		}
		cancelled = true
	}
	return cancelled
}

// TraceState returns the state of the trace session.
func (d *Debugger) TraceState() tracer.State {
	return d.session.State()
}

// LastTrace returns the stop event of the last trace.
func (d *Debugger) LastTrace() tracer.StopEvent {
	return d.session.LastStop()
}

// PartyRunActive returns true while a run to party is in progress.
func (d *Debugger) PartyRunActive() bool {
	return d.runner.Active()
}

// EnableTraceRecording enables or disables the trace record. An empty path
// selects the configured directory. Disabling fails with ErrRecordInUse
// while a trace using a trace record policy is running.
func (d *Debugger) EnableTraceRecording(enable bool, path string) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	if !enable {
		if d.session.State() == tracer.Running && d.session.Kind().Policy != tracer.PolicyNone {
			return ErrRecordInUse
		}
		err := d.record.Disable()
		d.metrics.recordEnabled.Set(0)
		return err
	}
	if path == "" {
		path = d.config.TraceRecordDir
	}
	if path == "" {
		return errors.New("no trace record path")
	}
	if err := d.record.Enable(path); err != nil {
		return err
	}
	d.metrics.recordEnabled.Set(1)
	return nil
}

// TraceRecordInfo describes the trace record.
func (d *Debugger) TraceRecordInfo() (tracerecord.Info, error) {
	return d.record.Info()
}

// FlushTraceRecord writes the trace record to disk.
func (d *Debugger) FlushTraceRecord() error {
	return d.record.Flush()
}

// TraceRecordHitCount returns the number of recorded executions of addr.
func (d *Debugger) TraceRecordHitCount(addr uint64) (tracerecord.Visit, uint, tracerecord.ByteType) {
	return d.record.IsVisited(addr), d.record.HitCount(addr), d.record.ByteType(addr)
}

// SetTraceLog sets the log template of traces, see tracer.Logger.
func (d *Debugger) SetTraceLog(expr, text string) error {
	return d.logger.SetLogTemplate(expr, text)
}

// SetTraceCommand sets the command hook of traces, see tracer.Logger.
func (d *Debugger) SetTraceCommand(expr, text string) error {
	return d.logger.SetCommandHook(expr, text)
}

// SetTraceLogFile redirects the trace log to path, an empty path restores
// the console.
func (d *Debugger) SetTraceLogFile(path string) error {
	return d.logger.SetLogFile(path)
}

// TraceLogFile returns the current trace log file.
func (d *Debugger) TraceLogFile() string {
	return d.logger.LogFile()
}

// State returns the state of the current thread.
func (d *Debugger) State(ctx context.Context) (*proc.ThreadState, error) {
	if err := d.checkAttached(); err != nil {
		return nil, err
	}
	var state *proc.ThreadState
	err := d.call(ctx, func() {
		state = d.target.CurrentState()
	})
	return state, err
}

// Step executes one elementary step.
func (d *Debugger) Step(ctx context.Context, mode proc.StepMode) (*proc.ThreadState, error) {
	if err := d.checkAttached(); err != nil {
		return nil, err
	}
	var (
		state *proc.ThreadState
		err   error
	)
	if cerr := d.call(ctx, func() {
		if err = d.busy(); err != nil {
			return
		}
		state, err = d.target.Step(mode)
		if err != nil {
			d.targetGone(err)
			return
		}
		if d.record.Enabled() {
			if merr := d.record.MarkInstruction(state.PC, uint64(proc.InstructionLength(state))); merr != nil {
				d.log.WithError(merr).Warn("recording step")
			}
		}
	}); cerr != nil {
		return nil, cerr
	}
	return state, err
}

// Continue resumes the target until it stops and returns the reason.
func (d *Debugger) Continue(ctx context.Context) (*proc.StopInfo, error) {
	if err := d.checkAttached(); err != nil {
		return nil, err
	}
	var (
		stop *proc.StopInfo
		err  error
	)
	if cerr := d.call(ctx, func() {
		if err = d.busy(); err != nil {
			return
		}
		atomic.StoreInt32(&d.continuing, 1)
		defer atomic.StoreInt32(&d.continuing, 0)
		stop, err = d.target.Continue()
		if err != nil {
			d.targetGone(err)
		}
	}); cerr != nil {
		return nil, cerr
	}
	return stop, err
}

// CreateBreakpoint sets a user breakpoint covering [addr, addr+size).
func (d *Debugger) CreateBreakpoint(ctx context.Context, addr, size uint64, access proc.Access) (*proc.Breakpoint, error) {
	if err := d.checkAttached(); err != nil {
		return nil, err
	}
	var (
		bp  *proc.Breakpoint
		err error
	)
	if cerr := d.call(ctx, func() {
		bp, err = d.target.SetMemoryBreakpoint(addr, size, access, false, nil)
		if err == nil {
			d.userBreakpoints[bp.ID] = bp
		}
	}); cerr != nil {
		return nil, cerr
	}
	return bp, err
}

// ClearBreakpoint removes the user breakpoint at addr.
func (d *Debugger) ClearBreakpoint(ctx context.Context, addr uint64) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	var err error
	if cerr := d.call(ctx, func() {
		bp := d.target.FindMemoryBreakpoint(addr)
		if bp == nil || d.userBreakpoints[bp.ID] != bp {
			err = proc.NoBreakpointError{Addr: addr}
			return
		}
		err = d.target.ClearBreakpoint(bp)
		delete(d.userBreakpoints, bp.ID)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Breakpoints returns the breakpoints of the target ordered by address.
func (d *Debugger) Breakpoints(ctx context.Context) ([]*proc.Breakpoint, error) {
	var bps []*proc.Breakpoint
	err := d.call(ctx, func() {
		if lister, ok := d.target.(interface{ Breakpoints() []*proc.Breakpoint }); ok {
			bps = lister.Breakpoints()
			return
		}
		for _, bp := range d.userBreakpoints {
			bps = append(bps, bp)
		}
		sort.Slice(bps, func(i, j int) bool { return bps[i].Addr < bps[j].Addr })
	})
	return bps, err
}

// SectionInfo describes a module section.
type SectionInfo struct {
	Module  string
	Party   proc.Party
	Section proc.Section
}

// Sections returns every section of every loaded module.
func (d *Debugger) Sections(ctx context.Context) ([]SectionInfo, error) {
	var r []SectionInfo
	err := d.call(ctx, func() {
		d.target.ForEachSection(func(mod *proc.Module, sec *proc.Section) bool {
			r = append(r, SectionInfo{Module: mod.Name, Party: mod.Party, Section: *sec})
			return true
		})
	})
	return r, err
}

// Detach cancels running operations, releases the target and stops the
// control goroutine.
func (d *Debugger) Detach(ctx context.Context, kill bool) error {
	if !atomic.CompareAndSwapInt32(&d.detached, 0, 1) {
		return ErrDetached
	}
	d.Cancel()
	var err error
	if cerr := d.call(ctx, func() {
		d.session.Stop(tracer.Cancelled, proc.ProcessDetachedError{})
		d.runner.Cancel(proc.ProcessDetachedError{})
		err = d.target.Detach(kill)
		d.flush()
		if rerr := d.record.Disable(); rerr != nil && err == nil {
			err = rerr
		}
		if lerr := d.logger.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}); cerr != nil {
		return cerr
	}
	d.closeOnce.Do(d.queue.close)
	if ctx.Value(controlKey{}) != d {
		<-d.loopDone
	}
	return err
}
