// Package tracer implements condition gated stepping.
//
// A Session is configured with a condition, a step cap and a step kind,
// then driven one elementary step at a time: after every step Advance
// decides whether tracing continues or stops.
package tracer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/go-delve/steptrace/pkg/condition"
	"github.com/go-delve/steptrace/pkg/config"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/tracerecord"
)

// State is the state of a Session.
type State int32

const (
	Idle State = iota
	Armed
	Running
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	}
	return "unknown"
}

// StopReason is the reason a session stopped.
type StopReason uint8

const (
	ConditionMet StopReason = iota
	LimitReached
	TargetStopped
	Cancelled
)

func (r StopReason) String() string {
	switch r {
	case ConditionMet:
		return "condition met"
	case LimitReached:
		return "limit reached"
	case TargetStopped:
		return "target stopped"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// RecordPolicy is a stop policy based on the trace record.
type RecordPolicy uint8

const (
	// PolicyNone only stops on the condition.
	PolicyNone RecordPolicy = iota
	// PolicyBeyondTraceRecord also stops on the first address that was
	// never executed before.
	PolicyBeyondTraceRecord
	// PolicyIntoTraceRecord also stops on the first address that was
	// executed before.
	PolicyIntoTraceRecord
)

func (p RecordPolicy) String() string {
	switch p {
	case PolicyNone:
		return "condition"
	case PolicyBeyondTraceRecord:
		return "beyond-trace-record"
	case PolicyIntoTraceRecord:
		return "into-trace-record"
	}
	return "unknown"
}

// StepKind selects the elementary step and the record policy of a
// session.
type StepKind struct {
	Mode   proc.StepMode
	Policy RecordPolicy
}

func (k StepKind) String() string {
	return k.Mode.String() + " " + k.Policy.String()
}

// Recorder is the trace record used by the record policies.
type Recorder interface {
	Enabled() bool
	IsVisited(addr uint64) tracerecord.Visit
	MarkInstruction(addr, size uint64) error
}

// StopEvent describes a finished session.
type StopEvent struct {
	ID        string
	Reason    StopReason
	Steps     uint64
	Kind      StepKind
	Condition string
	// State is the thread state after the last step, nil if no step
	// completed.
	State *proc.ThreadState
	Err   error
}

func (ev StopEvent) String() string {
	var s string
	switch ev.Reason {
	case ConditionMet, LimitReached:
		s = fmt.Sprintf("Trace finished after %d steps!", ev.Steps)
	case TargetStopped:
		s = fmt.Sprintf("Trace stopped after %d steps", ev.Steps)
	default:
		s = fmt.Sprintf("Trace cancelled after %d steps", ev.Steps)
	}
	if ev.Err != nil {
		s += " " + ev.Err.Error()
	}
	return s
}

// Outcome is the result of Advance.
type Outcome struct {
	Stop   bool
	Reason StopReason
}

// Continue is the outcome of a step after which tracing continues.
var Continue = Outcome{}

// Config configures a Session.
type Config struct {
	Compiler *condition.Compiler
	Record   Recorder
	Logger   *Logger
	// DefaultMaxSteps is used when Configure is called with a zero cap.
	DefaultMaxSteps uint64
	// OnStop is called, on the goroutine driving the session, every time a
	// session stops.
	OnStop func(StopEvent)
}

// Session is the condition gated stepping state machine. Configure and
// Start can be called from any goroutine, Advance and Run must only be
// called by the goroutine driving the target.
type Session struct {
	state  int32
	cancel int32
	steps  uint64

	cfg Config
	log logflags.Logger

	mu       sync.Mutex
	id       string
	maxSteps uint64
	kind     StepKind
	cond     *condition.Condition
	last     *proc.ThreadState
	lastStop StopEvent
}

// NewSession returns an idle session.
func NewSession(cfg Config) *Session {
	if cfg.DefaultMaxSteps == 0 {
		cfg.DefaultMaxSteps = config.DefaultMaxTraceCount
	}
	return &Session{cfg: cfg, log: logflags.TracerLogger()}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Steps returns the number of steps taken by the current or last session.
func (s *Session) Steps() uint64 {
	return atomic.LoadUint64(&s.steps)
}

// ID returns the id of the current or last session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Kind returns the step kind of the current or last session.
func (s *Session) Kind() StepKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// LastStop returns the event of the last stop.
func (s *Session) LastStop() StopEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

// Configure arms the session. It fails with ErrAlreadyActive if a session
// is running, with an *condition.InvalidConditionError if expr can not be
// compiled and with tracerecord.ErrRecordingDisabled if kind has a record
// policy and recording is disabled. A failed Configure leaves the session
// unchanged. If maxSteps is zero the configured default is used.
func (s *Session) Configure(expr string, maxSteps uint64, kind StepKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Running {
		return &AlreadyActiveError{ID: s.id}
	}
	if kind.Policy != PolicyNone && (s.cfg.Record == nil || !s.cfg.Record.Enabled()) {
		return tracerecord.ErrRecordingDisabled
	}
	cond, err := s.cfg.Compiler.Compile(expr)
	if err != nil {
		return err
	}
	if maxSteps == 0 {
		maxSteps = s.cfg.DefaultMaxSteps
	}
	s.id = uuid.New().String()
	s.cond = cond
	s.maxSteps = maxSteps
	s.kind = kind
	s.last = nil
	atomic.StoreUint64(&s.steps, 0)
	atomic.StoreInt32(&s.cancel, 0)
	atomic.StoreInt32(&s.state, int32(Armed))
	s.log.WithFields(logflags.Fields{"id": s.id, "expr": expr, "kind": kind}).Debugf("armed, max %d steps", maxSteps)
	return nil
}

// Start moves an armed session to Running. The steps are taken by the
// goroutine driving the target, see Run.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.CompareAndSwapInt32(&s.state, int32(Armed), int32(Running)) {
		s.log.WithField("id", s.id).Debug("started")
		return nil
	}
	if s.State() == Running {
		return &AlreadyActiveError{ID: s.id}
	}
	return ErrNotArmed
}

// RequestCancel asks the running session to stop before its next step.
// It returns false if the session is not running.
func (s *Session) RequestCancel() bool {
	if s.State() != Running {
		return false
	}
	atomic.StoreInt32(&s.cancel, 1)
	return true
}

// Advance processes the thread state reached by one elementary step and
// returns whether tracing continues.
func (s *Session) Advance(state *proc.ThreadState) Outcome {
	if s.State() != Running {
		return Outcome{Stop: true, Reason: Cancelled}
	}
	steps := atomic.AddUint64(&s.steps, 1)
	s.last = state
	addr := state.PC

	if s.kind.Policy != PolicyNone {
		visit := s.cfg.Record.IsVisited(addr)
		if visit == tracerecord.VisitUnknown {
			return s.stop(Cancelled, tracerecord.ErrRecordingDisabled)
		}
		s.mark(state)
		switch {
		case s.kind.Policy == PolicyBeyondTraceRecord && visit == tracerecord.NotVisited:
			return s.stop(ConditionMet, nil)
		case s.kind.Policy == PolicyIntoTraceRecord && visit == tracerecord.Visited:
			return s.stop(ConditionMet, nil)
		}
	} else {
		s.mark(state)
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.OnStep(state)
	}

	ok, err := s.cond.Evaluate(state)
	if err != nil {
		return s.stop(ConditionMet, err)
	}
	if ok {
		return s.stop(ConditionMet, nil)
	}

	if steps >= s.maxSteps {
		return s.stop(LimitReached, nil)
	}
	return Continue
}

func (s *Session) mark(state *proc.ThreadState) {
	if s.cfg.Record == nil || !s.cfg.Record.Enabled() {
		return
	}
	if err := s.cfg.Record.MarkInstruction(state.PC, uint64(proc.InstructionLength(state))); err != nil {
		s.log.WithError(err).Errorf("could not record %#x", state.PC)
	}
}

func (s *Session) stop(reason StopReason, err error) Outcome {
	s.Stop(reason, err)
	return Outcome{Stop: true, Reason: reason}
}

// Stop moves the session to Idle and reports reason through OnStop. It
// does nothing if the session is idle. Like Advance it must only be called
// by the goroutine driving the target.
func (s *Session) Stop(reason StopReason, err error) {
	s.mu.Lock()
	if s.State() == Idle {
		s.mu.Unlock()
		return
	}
	ev := StopEvent{
		ID:     s.id,
		Reason: reason,
		Steps:  s.Steps(),
		Kind:   s.kind,
		State:  s.last,
		Err:    err,
	}
	if s.cond != nil {
		ev.Condition = s.cond.Expr
	}
	s.cond = nil
	s.last = nil
	s.lastStop = ev
	atomic.StoreInt32(&s.state, int32(Idle))
	s.mu.Unlock()

	s.log.WithFields(logflags.Fields{"id": ev.ID, "reason": reason}).Debugf("stopped after %d steps", ev.Steps)
	if s.cfg.OnStop != nil {
		s.cfg.OnStop(ev)
	}
}

// Run drives a running session until it stops: it takes elementary steps
// on stepper, calls Advance and then afterStep, which can be nil. A
// cancellation request is honored before every step.
func (s *Session) Run(stepper proc.Stepper, afterStep func()) (StopEvent, error) {
	if s.State() != Running {
		return StopEvent{}, ErrNotArmed
	}
	for {
		if atomic.LoadInt32(&s.cancel) != 0 {
			s.Stop(Cancelled, nil)
			break
		}
		state, err := stepper.Step(s.kind.Mode)
		if err != nil {
			s.Stop(TargetStopped, &TargetStoppedError{Err: err})
			break
		}
		out := s.Advance(state)
		if afterStep != nil {
			afterStep()
		}
		if out.Stop {
			break
		}
	}
	return s.LastStop(), nil
}
