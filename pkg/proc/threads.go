package proc

import (
	"encoding/binary"
	"errors"
	"sort"
)

// MemoryReader reads target memory.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrMemoryUnavailable is returned by ThreadState.ReadMemory when the
// backend did not provide target memory.
var ErrMemoryUnavailable = errors.New("target memory not available")

// ThreadState is the machine state of the current thread after an
// elementary step.
type ThreadState struct {
	// PC is the address of the next instruction.
	PC uint64
	// Regs maps lower case register names to their values.
	Regs map[string]uint64
	// Bits is 32 or 64.
	Bits int
	// Mem is used to read target memory, it can be nil.
	Mem MemoryReader
}

// Reg returns the value of the named register. The aliases ip, cip and pc
// always refer to the program counter.
func (s *ThreadState) Reg(name string) (uint64, bool) {
	switch name {
	case "ip", "cip", "pc":
		return s.PC, true
	}
	v, ok := s.Regs[name]
	return v, ok
}

// RegNames returns the sorted names of all registers in s.
func (s *ThreadState) RegNames() []string {
	r := make([]string, 0, len(s.Regs))
	for name := range s.Regs {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// ReadMemory reads len(buf) bytes at addr.
func (s *ThreadState) ReadMemory(buf []byte, addr uint64) (int, error) {
	if s.Mem == nil {
		return 0, ErrMemoryUnavailable
	}
	return s.Mem.ReadMemory(buf, addr)
}

// ReadUint reads a little endian unsigned integer of size bytes (1, 2, 4
// or 8) at addr.
func (s *ThreadState) ReadUint(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, errors.New("invalid read size")
	}
	n, err := s.ReadMemory(buf[:size], addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, errors.New("short read")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Clone returns a copy of s that shares the memory reader.
func (s *ThreadState) Clone() *ThreadState {
	r := &ThreadState{PC: s.PC, Bits: s.Bits, Mem: s.Mem, Regs: make(map[string]uint64, len(s.Regs))}
	for k, v := range s.Regs {
		r.Regs[k] = v
	}
	return r
}
