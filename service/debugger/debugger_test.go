package debugger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/steptrace/pkg/partyrun"
	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/proc/replay"
	"github.com/go-delve/steptrace/pkg/tracer"
	"github.com/go-delve/steptrace/pkg/tracerecord"
)

const helloRecording = "../../pkg/proc/replay/testdata/hello.yml"

type fixture struct {
	d        *Debugger
	events   chan Event
	console  *bytes.Buffer
	registry *prometheus.Registry
}

func newFixture(t *testing.T, target proc.Target, config *Config) *fixture {
	t.Helper()
	f := &fixture{events: make(chan Event, 16), console: new(bytes.Buffer), registry: prometheus.NewRegistry()}
	if config == nil {
		config = &Config{}
	}
	config.Console = f.console
	config.Registerer = f.registry
	config.OnEvent = func(ev Event) { f.events <- ev }
	d, err := New(target, config)
	require.NoError(t, err)
	f.d = d
	t.Cleanup(func() { d.Detach(context.Background(), true) })
	return f
}

func openHello(t *testing.T) *replay.Process {
	t.Helper()
	p, err := replay.Open(helloRecording)
	require.NoError(t, err)
	return p
}

func (f *fixture) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for event %d", kind)
		}
	}
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := f.registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestConditionalTrace(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	require.NoError(t, f.d.SetTraceLog("", "{p:ip}"))
	require.NoError(t, f.d.StartConditionalTrace("ip == 0x40100a", 0, tracer.StepKind{Mode: proc.StepInto}))

	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.ConditionMet, ev.Trace.Reason)
	require.Equal(t, uint64(8), ev.Trace.Steps)
	require.Equal(t, "Trace finished after 8 steps!", ev.String())
	require.Equal(t, uint64(0x40100a), ev.State.PC)

	lines := strings.Split(strings.TrimSpace(f.console.String()), "\n")
	require.Len(t, lines, 8)
	require.Equal(t, "0x000000000040100A", lines[7])

	require.Equal(t, 8.0, f.counter(t, "steptrace_trace_steps_total"))
	require.Equal(t, 1.0, f.counter(t, "steptrace_trace_stops_total"))

	state, err := f.d.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0x40100a), state.PC)
}

func TestConditionalTraceLimit(t *testing.T) {
	f := newFixture(t, openHello(t), &Config{MaxTraceCount: 3})
	require.NoError(t, f.d.StartConditionalTrace("False", 0, tracer.StepKind{Mode: proc.StepOver}))
	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.LimitReached, ev.Trace.Reason)
	require.Equal(t, uint64(3), ev.Trace.Steps)
	require.Equal(t, uint64(0x77001005), ev.State.PC)
}

func TestConditionalTraceTargetExits(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	require.NoError(t, f.d.StartConditionalTrace("False", 100, tracer.StepKind{Mode: proc.StepInto}))

	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.TargetStopped, ev.Trace.Reason)
	require.Equal(t, uint64(12), ev.Trace.Steps)
	var tserr *tracer.TargetStoppedError
	require.True(t, errors.As(ev.Err, &tserr))

	ev = f.wait(t, TargetExited)
	require.Equal(t, proc.ErrProcessExited{Pid: 4242, Status: 0}, ev.Err)
}

func TestInvalidCondition(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	err := f.d.StartConditionalTrace("ip == rzz", 10, tracer.StepKind{Mode: proc.StepInto})
	require.Error(t, err)
	require.Equal(t, tracer.Idle, f.d.TraceState())

	err = f.d.StartConditionalTrace("", 10, tracer.StepKind{Mode: proc.StepInto, Policy: tracer.PolicyBeyondTraceRecord})
	require.Equal(t, tracerecord.ErrRecordingDisabled, err)
}

func TestTraceCommandHook(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	var (
		mu      sync.Mutex
		results []error
		pcs     []uint64
	)
	f.d.SetHookExecutor(func(ctx context.Context, cmd string) error {
		if cmd != "inspect" {
			return errors.New("unexpected command " + cmd)
		}
		state, err := f.d.State(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			results = append(results, err)
			return err
		}
		pcs = append(pcs, state.PC)
		results = append(results, f.d.StartConditionalTrace("True", 1, tracer.StepKind{Mode: proc.StepOver}))
		_, err = f.d.Step(ctx, proc.StepInto)
		results = append(results, err)
		return nil
	})
	require.NoError(t, f.d.SetTraceCommand("ip == 0x401010", "inspect"))
	require.NoError(t, f.d.StartConditionalTrace("ip == 0x401009", 0, tracer.StepKind{Mode: proc.StepInto}))

	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.ConditionMet, ev.Trace.Reason)
	require.Equal(t, uint64(7), ev.Trace.Steps)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{0x401010}, pcs)
	require.Len(t, results, 2)
	require.True(t, errors.Is(results[0], tracer.ErrAlreadyActive), "%v", results[0])
	require.Equal(t, ErrTargetRunning, results[1])
}

func TestTraceHookCancel(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	f.d.SetHookExecutor(func(ctx context.Context, cmd string) error {
		f.d.Cancel()
		return nil
	})
	require.NoError(t, f.d.SetTraceCommand("ip == 0x401001", "cancel"))
	require.NoError(t, f.d.StartConditionalTrace("False", 0, tracer.StepKind{Mode: proc.StepInto}))
	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.Cancelled, ev.Trace.Reason)
	require.Equal(t, uint64(3), ev.Trace.Steps)
}

func TestTraceLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	f := newFixture(t, openHello(t), &Config{TraceLogFile: path})
	require.Equal(t, path, f.d.TraceLogFile())
	require.NoError(t, f.d.SetTraceLog("ip >= 0x401000 and ip < 0x402000", "{ip} rsp={x:rsp}"))
	require.NoError(t, f.d.StartConditionalTrace("False", 4, tracer.StepKind{Mode: proc.StepInto}))
	f.wait(t, TraceFinished)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "401000 rsp=000000007FFDFFD8\n401001 rsp=000000007FFDFFD0\n401004 rsp=000000007FFDFFD0\n", string(buf))
	require.Empty(t, f.console.String())

	var ioerr *proc.IOError
	require.True(t, errors.As(f.d.SetTraceLogFile(filepath.Join(path, "sub")), &ioerr))
}

func TestRunToUser(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	ctx := context.Background()
	require.NoError(t, f.d.StartRunToParty(ctx, proc.PartyUser))

	ev := f.wait(t, PartyRunFinished)
	require.True(t, ev.PartyRun.Hit)
	require.Equal(t, uint64(0x401000), ev.PartyRun.Addr)
	require.Equal(t, 2, ev.PartyRun.Removed)
	require.Equal(t, uint64(0x401000), ev.State.PC)
	require.Equal(t, "Reached user code at 0x401000", ev.String())

	bps, err := f.d.Breakpoints(ctx)
	require.NoError(t, err)
	require.Empty(t, bps)
	require.False(t, f.d.PartyRunActive())
	require.Equal(t, 1.0, f.counter(t, "steptrace_party_runs_total"))

	// back to the system code
	require.NoError(t, f.d.StartRunToParty(ctx, proc.PartySystem))
	ev = f.wait(t, PartyRunFinished)
	require.True(t, ev.PartyRun.Hit)
	require.Equal(t, uint64(0x7ff01006), ev.PartyRun.Addr)
}

func TestRunToPartyKeepsUserBreakpoint(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	ctx := context.Background()
	user, err := f.d.CreateBreakpoint(ctx, 0x401000, 1, proc.AccessExecute)
	require.NoError(t, err)

	require.NoError(t, f.d.StartRunToParty(ctx, proc.PartyUser))
	ev := f.wait(t, PartyRunFinished)
	require.True(t, ev.PartyRun.Hit)
	require.Equal(t, 1, ev.PartyRun.Removed)

	bps, err := f.d.Breakpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []*proc.Breakpoint{user}, bps)
	require.NoError(t, f.d.ClearBreakpoint(ctx, 0x401000))
	require.Error(t, f.d.ClearBreakpoint(ctx, 0x401000))
}

// gatedProcess blocks Continue until a manual stop is requested.
type gatedProcess struct {
	*replay.Process
	gate chan struct{}
	once sync.Once
}

func (p *gatedProcess) Continue() (*proc.StopInfo, error) {
	<-p.gate
	return p.Process.Continue()
}

func (p *gatedProcess) RequestManualStop() error {
	err := p.Process.RequestManualStop()
	p.once.Do(func() { close(p.gate) })
	return err
}

func TestRunToPartyBusy(t *testing.T) {
	target := &gatedProcess{Process: openHello(t), gate: make(chan struct{})}
	f := newFixture(t, target, nil)
	ctx := context.Background()

	require.NoError(t, f.d.StartRunToParty(ctx, proc.PartyUser))
	require.True(t, f.d.PartyRunActive())
	require.Equal(t, 2.0, f.counter(t, "steptrace_party_breakpoints"))

	require.Equal(t, partyrun.ErrBusy, f.d.StartRunToParty(ctx, proc.PartyUser))
	require.Equal(t, partyrun.ErrBusy, f.d.StartRunToParty(ctx, proc.PartySystem))
	require.Equal(t, ErrTargetRunning, f.d.StartConditionalTrace("True", 1, tracer.StepKind{Mode: proc.StepInto}))
	require.Len(t, target.Breakpoints(), 2)

	require.True(t, f.d.Cancel())
	ev := f.wait(t, PartyRunFinished)
	require.False(t, ev.PartyRun.Hit)
	require.Equal(t, 2, ev.PartyRun.Removed)
	require.Empty(t, target.Breakpoints())
	require.Equal(t, 0.0, f.counter(t, "steptrace_party_breakpoints"))
}

func TestRunToPartyNoSections(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	require.Equal(t, partyrun.ErrNoSections, f.d.StartRunToParty(context.Background(), proc.Party(3)))
}

func TestRunToPartyConcurrent(t *testing.T) {
	target := &gatedProcess{Process: openHello(t), gate: make(chan struct{})}
	f := newFixture(t, target, nil)
	ctx := context.Background()

	// hold the control goroutine so both requests are queued behind it
	release := make(chan struct{})
	require.NoError(t, f.d.post(func() { <-release }))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.d.StartRunToParty(ctx, proc.PartyUser)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var started, busy int
	for _, err := range errs {
		switch err {
		case nil:
			started++
		case partyrun.ErrBusy:
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, started)
	require.Equal(t, 1, busy)
	require.Len(t, target.Breakpoints(), 2)

	require.True(t, f.d.Cancel())
	ev := f.wait(t, PartyRunFinished)
	require.False(t, ev.PartyRun.Hit)
	require.Empty(t, target.Breakpoints())
}

func TestTraceStartAfterControlLoopStopped(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	f.d.closeOnce.Do(f.d.queue.close)
	<-f.d.loopDone

	err := f.d.StartConditionalTrace("ip == 0x401009", 0, tracer.StepKind{Mode: proc.StepInto})
	require.Equal(t, ErrDetached, err)
	require.Equal(t, tracer.Idle, f.d.TraceState())

	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.Cancelled, ev.Trace.Reason)
	require.Equal(t, uint64(0), ev.Trace.Steps)
}

func TestTraceRecordPolicies(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "record")

	f := newFixture(t, openHello(t), &Config{TraceRecordDir: dir})
	require.NoError(t, f.d.EnableTraceRecording(true, ""))
	require.NoError(t, f.d.StartConditionalTrace("False", 4, tracer.StepKind{Mode: proc.StepInto}))
	f.wait(t, TraceFinished)
	visit, hits, _ := f.d.TraceRecordHitCount(0x401004)
	require.Equal(t, tracerecord.Visited, visit)
	require.Equal(t, uint(1), hits)
	require.NoError(t, f.d.Detach(context.Background(), false))

	// beyond: stops on the first address not executed by the first trace
	f = newFixture(t, openHello(t), nil)
	require.NoError(t, f.d.EnableTraceRecording(true, dir))
	require.NoError(t, f.d.StartConditionalTrace("False", 0, tracer.StepKind{Mode: proc.StepInto, Policy: tracer.PolicyBeyondTraceRecord}))
	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.ConditionMet, ev.Trace.Reason)
	require.Equal(t, uint64(5), ev.Trace.Steps)
	require.Equal(t, uint64(0x401010), ev.State.PC)
	info, err := f.d.TraceRecordInfo()
	require.NoError(t, err)
	require.True(t, info.Enabled)
	require.NoError(t, f.d.Detach(context.Background(), false))

	// into: stops on the first address already executed
	f = newFixture(t, openHello(t), nil)
	require.NoError(t, f.d.EnableTraceRecording(true, dir))
	require.NoError(t, f.d.StartConditionalTrace("False", 0, tracer.StepKind{Mode: proc.StepInto, Policy: tracer.PolicyIntoTraceRecord}))
	ev = f.wait(t, TraceFinished)
	require.Equal(t, tracer.ConditionMet, ev.Trace.Reason)
	require.Equal(t, uint64(1), ev.Trace.Steps)
}

func TestDisableRecordingInUse(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	require.NoError(t, f.d.EnableTraceRecording(true, filepath.Join(t.TempDir(), "record")))
	var hookErrs []error
	f.d.SetHookExecutor(func(ctx context.Context, cmd string) error {
		hookErrs = append(hookErrs, f.d.EnableTraceRecording(false, ""))
		return nil
	})
	require.NoError(t, f.d.SetTraceCommand("", "tracerecord off"))
	require.NoError(t, f.d.StartConditionalTrace("False", 2, tracer.StepKind{Mode: proc.StepInto, Policy: tracer.PolicyIntoTraceRecord}))
	ev := f.wait(t, TraceFinished)
	require.Equal(t, tracer.LimitReached, ev.Trace.Reason)
	require.NotEmpty(t, hookErrs)
	require.Equal(t, ErrRecordInUse, hookErrs[0])

	require.NoError(t, f.d.EnableTraceRecording(false, ""))
	info, err := f.d.TraceRecordInfo()
	require.NoError(t, err)
	require.False(t, info.Enabled)
}

func TestStepAndContinue(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	ctx := context.Background()

	state, err := f.d.Step(ctx, proc.StepOver)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ff01004), state.PC)

	_, err = f.d.CreateBreakpoint(ctx, 0x401009, 1, proc.AccessExecute)
	require.NoError(t, err)
	stop, err := f.d.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401009), stop.State.PC)

	_, err = f.d.Continue(ctx)
	require.True(t, proc.IsTargetGone(err))
	f.wait(t, TargetExited)
}

func TestSections(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	secs, err := f.d.Sections(context.Background())
	require.NoError(t, err)
	require.Len(t, secs, 3)
	require.Equal(t, "ntdll.dll", secs[2].Module)
	require.Equal(t, proc.PartySystem, secs[2].Party)
}

func TestDetach(t *testing.T) {
	f := newFixture(t, openHello(t), nil)
	ctx := context.Background()
	require.NoError(t, f.d.Detach(ctx, false))
	require.Equal(t, ErrDetached, f.d.Detach(ctx, false))
	require.Equal(t, ErrDetached, f.d.StartConditionalTrace("True", 1, tracer.StepKind{}))
	require.Equal(t, ErrDetached, f.d.StartRunToParty(ctx, proc.PartyUser))
	_, err := f.d.Step(ctx, proc.StepInto)
	require.Equal(t, ErrDetached, err)
}
