package proc

import (
	"fmt"
	"sort"
)

// Access is the kind of memory access a breakpoint triggers on.
type Access uint8

const (
	// AccessExecute triggers when an instruction inside the breakpoint
	// range is executed.
	AccessExecute Access = 1 << iota
	// AccessRead triggers on data reads.
	AccessRead
	// AccessWrite triggers on data writes.
	AccessWrite
)

func (a Access) String() string {
	s := ""
	if a&AccessRead != 0 {
		s += "r"
	}
	if a&AccessWrite != 0 {
		s += "w"
	}
	if a&AccessExecute != 0 {
		s += "x"
	}
	if s == "" {
		return "-"
	}
	return s
}

// HitFunc is called by the backend, on the debugger control goroutine,
// when a breakpoint is hit.
type HitFunc func(bp *Breakpoint, state *ThreadState)

// BreakpointKind describes who installed a breakpoint.
type BreakpointKind uint16

const (
	// UserBreakpoint is a user set breakpoint
	UserBreakpoint BreakpointKind = (1 << iota)
	// PartyBreakpoint is a breakpoint installed by run-to-party, it is
	// removed as soon as one breakpoint of the same run is hit.
	PartyBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case UserBreakpoint:
		return "user"
	case PartyBreakpoint:
		return "party"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Breakpoint represents a memory breakpoint covering the range
// [Addr, Addr+Size).
type Breakpoint struct {
	ID     int
	Addr   uint64
	Size   uint64
	Access Access
	Kind   BreakpointKind

	// OneShot breakpoints are removed the first time they are hit.
	OneShot bool

	TotalHitCount uint64 // Number of times a breakpoint has been reached

	OnHit HitFunc
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x-%#x %s %s (%d)", bp.ID, bp.Addr, bp.Addr+bp.Size, bp.Access, bp.Kind, bp.TotalHitCount)
}

// Contains returns true if addr is inside the range covered by bp.
func (bp *Breakpoint) Contains(addr uint64) bool {
	return addr >= bp.Addr && addr < bp.Addr+bp.Size
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint set for it.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x", bpe.Addr)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("Invalid address %#v", iae.Address)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#v", nbp.Addr)
}

// BreakpointMap represents an (address, breakpoint) map.
type BreakpointMap struct {
	M map[uint64]*Breakpoint

	breakpointIDCounter int
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// Set creates a breakpoint covering [addr, addr+size).
func (bpmap *BreakpointMap) Set(addr, size uint64, access Access, kind BreakpointKind, oneShot bool, onHit HitFunc) (*Breakpoint, error) {
	if size == 0 {
		size = 1
	}
	if addr+size < addr {
		return nil, InvalidAddressError{Address: addr}
	}
	if bp, ok := bpmap.M[addr]; ok {
		return bp, BreakpointExistsError{Addr: addr}
	}
	bpmap.breakpointIDCounter++
	bp := &Breakpoint{
		ID:      bpmap.breakpointIDCounter,
		Addr:    addr,
		Size:    size,
		Access:  access,
		Kind:    kind,
		OneShot: oneShot,
		OnHit:   onHit,
	}
	bpmap.M[addr] = bp
	return bp, nil
}

// Clear removes bp from the map.
func (bpmap *BreakpointMap) Clear(bp *Breakpoint) error {
	cur, ok := bpmap.M[bp.Addr]
	if !ok || cur != bp {
		return NoBreakpointError{Addr: bp.Addr}
	}
	delete(bpmap.M, bp.Addr)
	return nil
}

// Find returns the breakpoint starting at addr or nil.
func (bpmap *BreakpointMap) Find(addr uint64) *Breakpoint {
	return bpmap.M[addr]
}

// Covering returns the breakpoint with the lowest address whose range
// contains addr and that triggers on access, or nil.
func (bpmap *BreakpointMap) Covering(addr uint64, access Access) *Breakpoint {
	var found *Breakpoint
	for _, bp := range bpmap.M {
		if bp.Access&access == 0 || !bp.Contains(addr) {
			continue
		}
		if found == nil || bp.Addr < found.Addr {
			found = bp
		}
	}
	return found
}

// Hit records a hit of bp, removes it if it is a one shot breakpoint and
// calls its OnHit function.
func (bpmap *BreakpointMap) Hit(bp *Breakpoint, state *ThreadState) {
	bp.TotalHitCount++
	if bp.OneShot {
		bpmap.Clear(bp)
	}
	if bp.OnHit != nil {
		bp.OnHit(bp, state)
	}
}

// Sorted returns all breakpoints ordered by address.
func (bpmap *BreakpointMap) Sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}
