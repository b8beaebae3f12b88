package tracer

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/steptrace/pkg/condition"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/tracerecord"
)

// fakeStepper returns the thread states produced by pc(i) for step i
// (counting from 1), exiting after exitAfter steps if it is not zero.
type fakeStepper struct {
	pc        func(i int) uint64
	exitAfter int
	steps     int
	modes     []proc.StepMode
}

func (s *fakeStepper) Step(mode proc.StepMode) (*proc.ThreadState, error) {
	if s.exitAfter > 0 && s.steps >= s.exitAfter {
		return nil, proc.ErrProcessExited{Pid: 42, Status: 0}
	}
	s.steps++
	s.modes = append(s.modes, mode)
	return &proc.ThreadState{PC: s.pc(s.steps), Bits: 64, Regs: map[string]uint64{"rax": uint64(s.steps)}}, nil
}

func linear(i int) uint64 {
	return 0x400000 + uint64(i)*0x10
}

type fakeRecorder struct {
	enabled bool
	visited map[uint64]bool
	marked  []uint64
}

func (r *fakeRecorder) Enabled() bool { return r.enabled }

func (r *fakeRecorder) IsVisited(addr uint64) tracerecord.Visit {
	switch {
	case !r.enabled:
		return tracerecord.VisitUnknown
	case r.visited[addr]:
		return tracerecord.Visited
	}
	return tracerecord.NotVisited
}

func (r *fakeRecorder) MarkInstruction(addr, size uint64) error {
	if !r.enabled {
		return tracerecord.ErrRecordingDisabled
	}
	r.visited[addr] = true
	r.marked = append(r.marked, addr)
	return nil
}

type fixture struct {
	session *Session
	logger  *Logger
	console *bytes.Buffer
	record  *fakeRecorder
	stops   []StopEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{console: new(bytes.Buffer), record: &fakeRecorder{visited: map[uint64]bool{}}}
	compiler := condition.NewCompiler([]string{"rax"})
	f.logger = NewLogger(compiler, f.console)
	f.session = NewSession(Config{
		Compiler:        compiler,
		Record:          f.record,
		Logger:          f.logger,
		DefaultMaxSteps: 50000,
		OnStop:          func(ev StopEvent) { f.stops = append(f.stops, ev) },
	})
	return f
}

func (f *fixture) run(t *testing.T, stepper proc.Stepper, afterStep func()) StopEvent {
	t.Helper()
	require.NoError(t, f.session.Start())
	require.Equal(t, Running, f.session.State())
	ev, err := f.session.Run(stepper, afterStep)
	require.NoError(t, err)
	require.Equal(t, Idle, f.session.State())
	require.Len(t, f.stops, 1)
	require.Equal(t, ev, f.stops[0])
	return ev
}

func TestLimitReached(t *testing.T) {
	for _, n := range []uint64{1, 10, 1000} {
		f := newFixture(t)
		stepper := &fakeStepper{pc: linear}
		require.NoError(t, f.session.Configure("False", n, StepKind{Mode: proc.StepInto}))
		ev := f.run(t, stepper, nil)
		require.Equal(t, LimitReached, ev.Reason)
		require.Equal(t, n, ev.Steps)
		require.Equal(t, int(n), stepper.steps)
	}
}

func TestDefaultMaxSteps(t *testing.T) {
	f := newFixture(t)
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("ip == 0", 0, StepKind{Mode: proc.StepOver}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, LimitReached, ev.Reason)
	require.Equal(t, uint64(50000), ev.Steps)
	require.Equal(t, proc.StepOver, stepper.modes[0])
}

func TestConditionMetAtStep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.logger.SetLogTemplate("", "{p:ip}"))
	pcs := func(i int) uint64 {
		if i == 37 {
			return 0x401010
		}
		return 0x400000 + uint64(i)
	}
	stepper := &fakeStepper{pc: pcs}
	require.NoError(t, f.session.Configure("ip == 0x401010", 50000, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, nil)

	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(37), ev.Steps)
	require.Equal(t, 37, stepper.steps)
	require.Equal(t, uint64(0x401010), ev.State.PC)
	require.Equal(t, "ip == 0x401010", ev.Condition)
	require.Equal(t, "Trace finished after 37 steps!", ev.String())

	lines := strings.Split(strings.TrimSuffix(f.console.String(), "\n"), "\n")
	require.Len(t, lines, 37)
	require.Equal(t, "0x0000000000401010", lines[36])
}

func TestConditionBeforeLimit(t *testing.T) {
	f := newFixture(t)
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("rax == 5", 5, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(5), ev.Steps)
}

func TestAlreadyActive(t *testing.T) {
	f := newFixture(t)
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("False", 20, StepKind{Mode: proc.StepInto}))
	firstID := f.session.ID()

	var errs []error
	ev := f.run(t, stepper, func() {
		if stepper.steps == 3 {
			errs = append(errs, f.session.Configure("True", 1, StepKind{Mode: proc.StepOver}))
			errs = append(errs, f.session.Start())
		}
	})

	require.Len(t, errs, 2)
	for _, err := range errs {
		require.True(t, errors.Is(err, ErrAlreadyActive), "%v", err)
	}
	require.Equal(t, LimitReached, ev.Reason)
	require.Equal(t, uint64(20), ev.Steps)
	require.Equal(t, firstID, ev.ID)
	require.Equal(t, proc.StepInto, ev.Kind.Mode)
}

func TestStartNotArmed(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, ErrNotArmed, f.session.Start())
	_, err := f.session.Run(&fakeStepper{pc: linear}, nil)
	require.Equal(t, ErrNotArmed, err)
}

func TestInvalidCondition(t *testing.T) {
	f := newFixture(t)
	err := f.session.Configure("ip ==", 10, StepKind{Mode: proc.StepInto})
	var cerr *condition.InvalidConditionError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, Idle, f.session.State())
	require.Equal(t, ErrNotArmed, f.session.Start())
}

func TestConditionError(t *testing.T) {
	f := newFixture(t)
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("mem(0) == 1", 10, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(1), ev.Steps)
	require.Error(t, ev.Err)
}

func TestTargetStopped(t *testing.T) {
	f := newFixture(t)
	stepper := &fakeStepper{pc: linear, exitAfter: 5}
	require.NoError(t, f.session.Configure("False", 100, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, TargetStopped, ev.Reason)
	require.Equal(t, uint64(5), ev.Steps)
	var tserr *TargetStoppedError
	require.True(t, errors.As(ev.Err, &tserr))
	require.True(t, proc.IsTargetGone(ev.Err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.session.RequestCancel())
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("False", 100, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, func() {
		if stepper.steps == 4 {
			require.True(t, f.session.RequestCancel())
		}
	})
	require.Equal(t, Cancelled, ev.Reason)
	require.Equal(t, uint64(4), ev.Steps)
	require.Equal(t, 4, stepper.steps)
}

func TestRecordPoliciesRequireRecording(t *testing.T) {
	f := newFixture(t)
	for _, policy := range []RecordPolicy{PolicyBeyondTraceRecord, PolicyIntoTraceRecord} {
		err := f.session.Configure("", 10, StepKind{Mode: proc.StepInto, Policy: policy})
		require.Equal(t, tracerecord.ErrRecordingDisabled, err)
		require.Equal(t, Idle, f.session.State())
	}
}

func TestBeyondTraceRecord(t *testing.T) {
	f := newFixture(t)
	f.record.enabled = true
	for i := 1; i <= 6; i++ {
		f.record.visited[linear(i)] = true
	}
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("False", 100, StepKind{Mode: proc.StepOver, Policy: PolicyBeyondTraceRecord}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(7), ev.Steps)
	require.True(t, f.record.visited[linear(7)])
	require.Len(t, f.record.marked, 7)
}

func TestIntoTraceRecord(t *testing.T) {
	f := newFixture(t)
	f.record.enabled = true
	f.record.visited[linear(3)] = true
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("False", 100, StepKind{Mode: proc.StepInto, Policy: PolicyIntoTraceRecord}))
	ev := f.run(t, stepper, nil)
	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(3), ev.Steps)
}

func TestRecordingDisabledMidSession(t *testing.T) {
	f := newFixture(t)
	f.record.enabled = true
	stepper := &fakeStepper{pc: func(i int) uint64 { return 0x1000 }}
	f.record.visited[0x1000] = true
	require.NoError(t, f.session.Configure("False", 100, StepKind{Mode: proc.StepInto, Policy: PolicyBeyondTraceRecord}))
	ev := f.run(t, stepper, func() {
		if stepper.steps == 2 {
			f.record.enabled = false
		}
	})
	require.Equal(t, Cancelled, ev.Reason)
	require.Equal(t, uint64(3), ev.Steps)
	require.Equal(t, tracerecord.ErrRecordingDisabled, ev.Err)
}

func TestMarksWithoutPolicy(t *testing.T) {
	f := newFixture(t)
	f.record.enabled = true
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("", 10, StepKind{Mode: proc.StepInto}))
	ev := f.run(t, stepper, nil)
	// the empty condition is always true
	require.Equal(t, ConditionMet, ev.Reason)
	require.Equal(t, uint64(1), ev.Steps)
	require.Equal(t, []uint64{linear(1)}, f.record.marked)
}

func TestCommandHookDeferred(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.logger.SetCommandHook("rax % 2 == 0", "regs"))
	stepper := &fakeStepper{pc: linear}
	require.NoError(t, f.session.Configure("False", 6, StepKind{Mode: proc.StepInto}))

	var executed []int
	ev := f.run(t, stepper, func() {
		for _, cmd := range f.logger.TakePending() {
			require.Equal(t, "regs", cmd)
			executed = append(executed, stepper.steps)
		}
	})
	require.Equal(t, LimitReached, ev.Reason)
	require.Equal(t, []int{2, 4, 6}, executed)
}
