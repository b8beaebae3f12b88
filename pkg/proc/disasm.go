package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLength is the maximum length of an x86 instruction.
const MaxInstructionLength = 15

// AsmInstructionKind is the kind of a decoded instruction.
type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
)

// DecodeInstruction decodes the instruction at the start of mem and
// returns its length and kind. Undecodable bytes are reported as a one
// byte instruction together with the decoding error.
func DecodeInstruction(mem []byte, bits int) (int, AsmInstructionKind, error) {
	inst, err := x86asm.Decode(mem, bits)
	if err != nil {
		return 1, OtherInstruction, err
	}
	kind := OtherInstruction
	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		kind = RetInstruction
	case x86asm.INT:
		kind = HardBreakInstruction
	}
	return inst.Len, kind, nil
}

// InstructionLength returns the length of the instruction at state.PC,
// reading it from target memory. It returns 1 if memory can not be read or
// the instruction can not be decoded.
func InstructionLength(state *ThreadState) int {
	buf := make([]byte, MaxInstructionLength)
	n, _ := state.ReadMemory(buf, state.PC)
	if n == 0 {
		return 1
	}
	bits := state.Bits
	if bits != 32 {
		bits = 64
	}
	sz, _, err := DecodeInstruction(buf[:n], bits)
	if err != nil || sz <= 0 {
		return 1
	}
	return sz
}

// AsmInstruction is a decoded instruction.
type AsmInstruction struct {
	Addr  uint64
	Bytes []byte
	Kind  AsmInstructionKind
	Text  string
}

// Disassemble decodes up to count instructions starting at addr. It stops
// at the first address that can not be read.
func Disassemble(mem MemoryReader, addr uint64, bits, count int) []AsmInstruction {
	if bits != 32 {
		bits = 64
	}
	var r []AsmInstruction
	buf := make([]byte, MaxInstructionLength)
	for i := 0; i < count; i++ {
		n, _ := mem.ReadMemory(buf, addr)
		if n == 0 {
			break
		}
		inst := AsmInstruction{Addr: addr}
		decoded, err := x86asm.Decode(buf[:n], bits)
		if err != nil {
			inst.Bytes = []byte{buf[0]}
			inst.Text = "?"
		} else {
			inst.Bytes = append([]byte(nil), buf[:decoded.Len]...)
			_, inst.Kind, _ = DecodeInstruction(inst.Bytes, bits)
			inst.Text = x86asm.IntelSyntax(decoded, addr, nil)
		}
		r = append(r, inst)
		addr += uint64(len(inst.Bytes))
	}
	return r
}
