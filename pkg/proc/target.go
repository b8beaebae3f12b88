package proc

// StepMode selects how a single elementary step treats call instructions
// and subsystem transitions.
type StepMode uint8

const (
	// StepInto executes exactly one instruction, entering calls.
	StepInto StepMode = iota
	// StepOver executes one instruction, treating calls as atomic.
	StepOver
	// StepIntoBoundary is StepInto that follows execution across a
	// 32/64-bit subsystem transition instead of stopping inside it.
	StepIntoBoundary
	// StepOverBoundary is StepOver that follows execution across a
	// 32/64-bit subsystem transition instead of stopping inside it.
	StepOverBoundary
)

func (m StepMode) String() string {
	switch m {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepIntoBoundary:
		return "into-boundary"
	case StepOverBoundary:
		return "over-boundary"
	}
	return "unknown"
}

// Over returns true if m treats call instructions as atomic.
func (m StepMode) Over() bool {
	return m == StepOver || m == StepOverBoundary
}

// CrossesBoundary returns true if m follows subsystem transitions.
func (m StepMode) CrossesBoundary() bool {
	return m == StepIntoBoundary || m == StepOverBoundary
}

// Stepper executes elementary steps on the stopped target.
type Stepper interface {
	// Step executes one elementary step and returns the resulting thread
	// state. If the target terminates, or an unrelated fatal event
	// happens, the returned error describes it instead (ErrProcessExited,
	// ProcessDetachedError, ...).
	Step(mode StepMode) (*ThreadState, error)
}

// BreakpointService installs and removes breakpoints.
type BreakpointService interface {
	// SetMemoryBreakpoint installs a breakpoint covering [addr, addr+size)
	// for the given access kind. If oneShot is true the breakpoint is
	// removed by the backend the first time it is hit, before onHit is
	// called.
	SetMemoryBreakpoint(addr, size uint64, access Access, oneShot bool, onHit HitFunc) (*Breakpoint, error)
	// ClearBreakpoint removes bp.
	ClearBreakpoint(bp *Breakpoint) error
	// FindMemoryBreakpoint returns the breakpoint installed at addr, if
	// any.
	FindMemoryBreakpoint(addr uint64) *Breakpoint
}

// ModuleService enumerates loaded modules.
type ModuleService interface {
	// ForEachSection calls fn for every section of every loaded module,
	// stopping early if fn returns false.
	ForEachSection(fn func(mod *Module, sec *Section) bool)
	// ModuleAt returns the module containing addr or nil.
	ModuleAt(addr uint64) *Module
}

// StopInfo describes why Continue returned.
type StopInfo struct {
	State      *ThreadState
	Breakpoint *Breakpoint
	// Manual is true if the target stopped because of RequestManualStop.
	Manual bool
}

// Target is a stopped debuggee that can be stepped, resumed and
// inspected.
type Target interface {
	Stepper
	BreakpointService
	ModuleService

	// Pid returns the process id of the target.
	Pid() int
	// Bits returns 32 or 64.
	Bits() int
	// CurrentState returns the state of the current thread.
	CurrentState() *ThreadState
	// RegisterNames returns the names of all registers of the target
	// architecture, including aliases like "ip".
	RegisterNames() []string
	// Continue resumes the target until a breakpoint is hit, the target
	// exits or RequestManualStop is called.
	Continue() (*StopInfo, error)
	// RequestManualStop asks a running Continue to return. It is the only
	// method that may be called while Continue is running.
	RequestManualStop() error
	// Detach releases the target.
	Detach(kill bool) error
}
