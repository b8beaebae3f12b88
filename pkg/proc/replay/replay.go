// Package replay implements a proc.Target that replays a recorded
// execution.
//
// Stepping follows the recorded instructions, step over uses the recorded
// call depth and the boundary step modes skip the instructions recorded
// inside a subsystem transition. Continue runs forward until an execute
// breakpoint covers the next recorded instruction.
package replay

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
)

type step struct {
	pc         uint64
	regs       map[string]uint64
	depth      int
	bits       int
	transition bool
}

// Process is a replayed process. Except for RequestManualStop its methods
// must be called from a single goroutine.
type Process struct {
	pid    int
	bits   int
	exit   int
	regs   []string
	mods   []*proc.Module
	mem    memory
	steps  []step
	cursor int

	bpmap    proc.BreakpointMap
	exited   bool
	detached bool
	manual   int32

	log logflags.Logger
}

var _ proc.Target = (*Process)(nil)

// Open loads the recording at path.
func Open(path string) (*Process, error) {
	rec, err := LoadRecording(path)
	if err != nil {
		return nil, err
	}
	return New(rec)
}

// New creates a process positioned at the first recorded step.
func New(rec *Recording) (*Process, error) {
	if len(rec.Steps) == 0 {
		return nil, errors.New("recording has no steps")
	}
	p := &Process{
		pid:   rec.Pid,
		bits:  rec.Bits,
		exit:  rec.Exit,
		bpmap: proc.NewBreakpointMap(),
		log:   logflags.ReplayLogger(),
	}
	switch p.bits {
	case 0:
		p.bits = 64
	case 32, 64:
	default:
		return nil, fmt.Errorf("invalid bits %d", rec.Bits)
	}
	var err error
	if p.mem, err = rec.memory(); err != nil {
		return nil, err
	}
	if p.mods, err = rec.modules(); err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for _, name := range rec.Registers {
		names[name] = true
	}
	regs := make(map[string]uint64)
	depth := 0
	for i, sr := range rec.Steps {
		for name, v := range sr.Regs {
			regs[name] = v
			names[name] = true
		}
		if i > 0 {
			depth = p.steps[i-1].depth + p.depthDelta(&p.steps[i-1])
		}
		if sr.Depth != nil {
			depth = *sr.Depth
		}
		bits := sr.Bits
		if bits == 0 {
			bits = p.bits
		}
		st := step{pc: sr.PC, depth: depth, bits: bits, transition: sr.Transition, regs: make(map[string]uint64, len(regs))}
		for name, v := range regs {
			st.regs[name] = v
		}
		p.steps = append(p.steps, st)
	}
	for name := range names {
		p.regs = append(p.regs, name)
	}
	sort.Strings(p.regs)
	p.log.Debugf("loaded recording of process %d: %d steps, %d modules", p.pid, len(p.steps), len(p.mods))
	return p, nil
}

// depthDelta returns the change of call depth caused by executing the
// instruction of st.
func (p *Process) depthDelta(st *step) int {
	buf := make([]byte, proc.MaxInstructionLength)
	n, _ := p.mem.ReadMemory(buf, st.pc)
	if n == 0 {
		return 0
	}
	_, kind, err := proc.DecodeInstruction(buf[:n], st.bits)
	if err != nil {
		return 0
	}
	switch kind {
	case proc.CallInstruction:
		return 1
	case proc.RetInstruction:
		return -1
	}
	return 0
}

func (p *Process) state(i int) *proc.ThreadState {
	st := &p.steps[i]
	recorded := proc.ThreadState{PC: st.pc, Bits: st.bits, Mem: p.mem, Regs: st.regs}
	return recorded.Clone()
}

func (p *Process) checkAlive() error {
	switch {
	case p.detached:
		return proc.ProcessDetachedError{}
	case p.exited:
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exit}
	}
	return nil
}

func (p *Process) setExited() error {
	p.exited = true
	p.cursor = len(p.steps) - 1
	p.log.Debugf("process %d exited with status %d", p.pid, p.exit)
	return proc.ErrProcessExited{Pid: p.pid, Status: p.exit}
}

// Pid implements proc.Target.
func (p *Process) Pid() int { return p.pid }

// Bits implements proc.Target.
func (p *Process) Bits() int { return p.bits }

// Position returns the index of the current step in the recording.
func (p *Process) Position() int { return p.cursor }

// Exited returns true once the recording was replayed to the end.
func (p *Process) Exited() bool { return p.exited }

// CurrentState implements proc.Target.
func (p *Process) CurrentState() *proc.ThreadState {
	return p.state(p.cursor)
}

// RegisterNames implements proc.Target.
func (p *Process) RegisterNames() []string {
	r := make([]string, 0, len(p.regs)+1)
	r = append(r, "ip")
	return append(r, p.regs...)
}

// Step implements proc.Stepper.
func (p *Process) Step(mode proc.StepMode) (*proc.ThreadState, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	next := p.cursor + 1
	if mode.Over() {
		depth := p.steps[p.cursor].depth
		for next < len(p.steps) && p.steps[next].depth > depth {
			next++
		}
	}
	if mode.CrossesBoundary() {
		for next < len(p.steps) && p.steps[next].transition {
			next++
		}
	}
	if next >= len(p.steps) {
		return nil, p.setExited()
	}
	p.cursor = next
	return p.state(next), nil
}

// Continue implements proc.Target.
func (p *Process) Continue() (*proc.StopInfo, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	for next := p.cursor + 1; next < len(p.steps); next++ {
		if atomic.CompareAndSwapInt32(&p.manual, 1, 0) {
			p.cursor = next - 1
			return &proc.StopInfo{State: p.state(p.cursor), Manual: true}, nil
		}
		bp := p.bpmap.Covering(p.steps[next].pc, proc.AccessExecute)
		if bp == nil {
			continue
		}
		p.cursor = next
		state := p.state(next)
		p.log.WithField("breakpoint", bp.ID).Debugf("hit at %#x", state.PC)
		p.bpmap.Hit(bp, state)
		return &proc.StopInfo{State: p.state(next), Breakpoint: bp}, nil
	}
	atomic.StoreInt32(&p.manual, 0)
	return nil, p.setExited()
}

// RequestManualStop implements proc.Target.
func (p *Process) RequestManualStop() error {
	atomic.StoreInt32(&p.manual, 1)
	return nil
}

// Detach implements proc.Target.
func (p *Process) Detach(kill bool) error {
	if p.detached {
		return proc.ProcessDetachedError{}
	}
	p.detached = true
	p.bpmap = proc.NewBreakpointMap()
	p.log.Debugf("detached from process %d (kill=%v)", p.pid, kill)
	return nil
}

// SetMemoryBreakpoint implements proc.BreakpointService.
func (p *Process) SetMemoryBreakpoint(addr, size uint64, access proc.Access, oneShot bool, onHit proc.HitFunc) (*proc.Breakpoint, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	return p.bpmap.Set(addr, size, access, proc.UserBreakpoint, oneShot, onHit)
}

// ClearBreakpoint implements proc.BreakpointService.
func (p *Process) ClearBreakpoint(bp *proc.Breakpoint) error {
	return p.bpmap.Clear(bp)
}

// FindMemoryBreakpoint implements proc.BreakpointService.
func (p *Process) FindMemoryBreakpoint(addr uint64) *proc.Breakpoint {
	return p.bpmap.Find(addr)
}

// Breakpoints returns all breakpoints ordered by address.
func (p *Process) Breakpoints() []*proc.Breakpoint {
	return p.bpmap.Sorted()
}

// ForEachSection implements proc.ModuleService.
func (p *Process) ForEachSection(fn func(mod *proc.Module, sec *proc.Section) bool) {
	for _, mod := range p.mods {
		for i := range mod.Sections {
			if !fn(mod, &mod.Sections[i]) {
				return
			}
		}
	}
}

// ModuleAt implements proc.ModuleService.
func (p *Process) ModuleAt(addr uint64) *proc.Module {
	for _, mod := range p.mods {
		if mod.Contains(addr) {
			return mod
		}
	}
	return nil
}
