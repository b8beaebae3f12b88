// Package partyrun implements run-to-party: execute breakpoints are
// installed over every section of the modules belonging to one party, the
// target is resumed and all of them are removed as soon as one is hit.
package partyrun

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
)

var (
	// ErrBusy is returned by Run while another run is in progress.
	ErrBusy = errors.New("a run to party is already in progress")
	// ErrNoSections is returned by Run when no section belongs to the
	// requested party.
	ErrNoSections = errors.New("no section belongs to the party")
)

// Target is what a Runner needs from the debugged process.
type Target interface {
	proc.BreakpointService
	proc.ModuleService
}

// Result describes the end of a run.
type Result struct {
	Party proc.Party
	// Hit is true if the run ended because a tracked breakpoint was hit at
	// Addr, otherwise the run was cancelled.
	Hit  bool
	Addr uint64
	// Removed is the number of owned breakpoints torn down by the run.
	Removed int
	Err     error
}

func (res Result) String() string {
	if res.Hit {
		return fmt.Sprintf("Reached %s code at %#x", res.Party, res.Addr)
	}
	if res.Err != nil {
		return fmt.Sprintf("Run to %s code cancelled: %v", res.Party, res.Err)
	}
	return fmt.Sprintf("Run to %s code cancelled", res.Party)
}

type descriptor struct {
	addr, size uint64
	owned      bool
	bp         *proc.Breakpoint
}

// Runner owns the breakpoints of the active run. There is one Runner per
// target.
type Runner struct {
	target Target
	resume func() error
	onDone func(Result)
	log    logflags.Logger

	// mu is held while breakpoints are installed and torn down, not while
	// the target runs.
	mu     sync.Mutex
	active bool
	party  proc.Party
	descs  []descriptor
}

// New returns a Runner for target. Run calls resume to restart the target
// after installing its breakpoints, onDone is called once for every run
// that ends. Both can be nil.
func New(target Target, resume func() error, onDone func(Result)) *Runner {
	return &Runner{target: target, resume: resume, onDone: onDone, log: logflags.PartyRunLogger()}
}

// Run installs a one shot execute breakpoint over every section of the
// modules of party and resumes the target. Sections already covered by a
// breakpoint are tracked but their breakpoint is left alone. It fails with
// ErrBusy, installing nothing, if a run is in progress.
func (r *Runner) Run(party proc.Party) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrBusy
	}

	var sections []proc.Section
	r.target.ForEachSection(func(mod *proc.Module, sec *proc.Section) bool {
		if mod.Party == party && sec.Size > 0 {
			sections = append(sections, *sec)
		}
		return true
	})
	if len(sections) == 0 {
		r.mu.Unlock()
		return ErrNoSections
	}

	descs := make([]descriptor, 0, len(sections))
	for _, sec := range sections {
		if r.target.FindMemoryBreakpoint(sec.Addr) != nil {
			descs = append(descs, descriptor{addr: sec.Addr, size: sec.Size})
			continue
		}
		bp, err := r.target.SetMemoryBreakpoint(sec.Addr, sec.Size, proc.AccessExecute, true, r.onHit)
		if err != nil {
			r.descs = descs
			r.teardownLocked()
			r.mu.Unlock()
			return fmt.Errorf("could not set breakpoint on section %s at %#x: %w", sec.Name, sec.Addr, err)
		}
		bp.Kind = proc.PartyBreakpoint
		descs = append(descs, descriptor{addr: sec.Addr, size: sec.Size, owned: true, bp: bp})
	}
	r.descs = descs
	r.party = party
	r.active = true
	r.log.WithField("party", party).Debugf("installed %d breakpoints over %d sections", r.ownedLocked(), len(descs))
	r.mu.Unlock()

	if r.resume != nil {
		if err := r.resume(); err != nil {
			r.Cancel(err)
			return err
		}
	}
	return nil
}

func (r *Runner) onHit(bp *proc.Breakpoint, state *proc.ThreadState) {
	addr := bp.Addr
	if state != nil {
		addr = state.PC
	}
	r.OnBreakpointHit(addr)
}

// OnBreakpointHit ends the active run because a tracked breakpoint was hit
// at addr, removing every breakpoint the run installed. It returns false
// if no run is active.
func (r *Runner) OnBreakpointHit(addr uint64) bool {
	return r.finish(Result{Hit: true, Addr: addr})
}

// Cancel ends the active run, removing every breakpoint it installed. It
// returns false if no run is active.
func (r *Runner) Cancel(reason error) bool {
	return r.finish(Result{Err: reason})
}

func (r *Runner) finish(res Result) bool {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return false
	}
	res.Party = r.party
	res.Removed = r.teardownLocked()
	r.active = false
	r.mu.Unlock()

	r.log.WithField("party", res.Party).Debugf("run finished, hit=%v removed=%d", res.Hit, res.Removed)
	if r.onDone != nil {
		r.onDone(res)
	}
	return true
}

// teardownLocked removes every owned breakpoint and clears the descriptor
// set. One shot breakpoints that the target already removed are counted
// without clearing them again.
func (r *Runner) teardownLocked() int {
	removed := 0
	for _, d := range r.descs {
		if !d.owned {
			continue
		}
		removed++
		if r.target.FindMemoryBreakpoint(d.addr) != d.bp {
			continue
		}
		if err := r.target.ClearBreakpoint(d.bp); err != nil {
			r.log.WithError(err).Errorf("could not clear breakpoint at %#x", d.addr)
		}
	}
	r.descs = nil
	return removed
}

func (r *Runner) ownedLocked() int {
	n := 0
	for _, d := range r.descs {
		if d.owned {
			n++
		}
	}
	return n
}

// Active returns true while a run is in progress.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Owned returns the number of breakpoints installed by the active run.
func (r *Runner) Owned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownedLocked()
}

// Tracks returns true if addr is inside a section tracked by the active
// run.
func (r *Runner) Tracks(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.descs {
		if addr >= d.addr && addr < d.addr+d.size {
			return true
		}
	}
	return false
}
