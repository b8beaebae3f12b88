package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type byteMem struct {
	base uint64
	data []byte
}

func (m byteMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, ErrMemoryUnavailable
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

func TestDecodeInstruction(t *testing.T) {
	for _, tc := range []struct {
		mem  []byte
		size int
		kind AsmInstructionKind
	}{
		{[]byte{0x90}, 1, OtherInstruction},
		{[]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 5, CallInstruction},
		{[]byte{0xc3}, 1, RetInstruction},
		{[]byte{0xeb, 0xfe}, 2, JmpInstruction},
		{[]byte{0x48, 0x89, 0xe5}, 3, OtherInstruction},
	} {
		size, kind, err := DecodeInstruction(tc.mem, 64)
		require.NoError(t, err)
		require.Equal(t, tc.size, size, "% x", tc.mem)
		require.Equal(t, tc.kind, kind, "% x", tc.mem)
	}
}

func TestInstructionLength(t *testing.T) {
	mem := byteMem{base: 0x401000, data: []byte{0x55, 0x48, 0x89, 0xe5, 0xe8, 0x10, 0x00, 0x00, 0x00}}

	require.Equal(t, 1, InstructionLength(&ThreadState{PC: 0x401000, Bits: 64, Mem: mem}))
	require.Equal(t, 3, InstructionLength(&ThreadState{PC: 0x401001, Bits: 64, Mem: mem}))
	require.Equal(t, 5, InstructionLength(&ThreadState{PC: 0x401004, Bits: 64, Mem: mem}))
	// no memory
	require.Equal(t, 1, InstructionLength(&ThreadState{PC: 0x401004, Bits: 64}))
}

func TestThreadStateRegisters(t *testing.T) {
	s := &ThreadState{PC: 0x401010, Regs: map[string]uint64{"rax": 5, "rsp": 0x1000}}

	v, ok := s.Reg("ip")
	require.True(t, ok)
	require.Equal(t, uint64(0x401010), v)
	v, ok = s.Reg("rax")
	require.True(t, ok)
	require.Equal(t, uint64(5), v)
	_, ok = s.Reg("rbx")
	require.False(t, ok)
	require.Equal(t, []string{"rax", "rsp"}, s.RegNames())

	c := s.Clone()
	c.Regs["rax"] = 6
	require.Equal(t, uint64(5), s.Regs["rax"])
}

func TestParseParty(t *testing.T) {
	p, err := ParseParty("user")
	require.NoError(t, err)
	require.Equal(t, PartyUser, p)
	p, err = ParseParty("1")
	require.NoError(t, err)
	require.Equal(t, PartySystem, p)
	p, err = ParseParty("-3")
	require.NoError(t, err)
	require.Equal(t, Party(-3), p)
	_, err = ParseParty("kernel")
	require.Error(t, err)
}

func TestDisassemble(t *testing.T) {
	mem := byteMem{base: 0x1000, data: []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}}
	insts := Disassemble(mem, 0x1000, 64, 10)
	require.Len(t, insts, 3)
	require.Equal(t, uint64(0x1001), insts[1].Addr)
	require.Equal(t, []byte{0x48, 0x89, 0xe5}, insts[1].Bytes)
	require.Equal(t, "push rbp", insts[0].Text)
	require.Equal(t, RetInstruction, insts[2].Kind)

	require.Len(t, Disassemble(mem, 0x1000, 64, 2), 2)
	require.Empty(t, Disassemble(mem, 0x2000, 64, 2))
}
