package tracerecord

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the granularity of the trace record.
const PageSize = 4096

const pageMask = ^uint64(PageSize - 1)

// RecordType selects how much information is kept for every byte of a
// recorded page.
type RecordType uint8

const (
	// TypeBit keeps one executed bit per byte.
	TypeBit RecordType = iota + 1
	// TypeByte keeps the byte type and a 6 bit hit counter per byte.
	TypeByte
	// TypeWord keeps the byte type and a 14 bit hit counter per byte.
	TypeWord
)

func (typ RecordType) String() string {
	switch typ {
	case TypeBit:
		return "bit"
	case TypeByte:
		return "byte"
	case TypeWord:
		return "word"
	}
	return fmt.Sprintf("type(%d)", uint8(typ))
}

// ParseRecordType parses "bit", "byte" or "word". The empty string selects
// TypeByte.
func ParseRecordType(s string) (RecordType, error) {
	switch s {
	case "bit":
		return TypeBit, nil
	case "byte", "":
		return TypeByte, nil
	case "word":
		return TypeWord, nil
	}
	return 0, fmt.Errorf("unknown trace record type %q", s)
}

func (typ RecordType) dataSize() int {
	switch typ {
	case TypeBit:
		return PageSize / 8
	case TypeByte:
		return PageSize
	case TypeWord:
		return PageSize * 2
	}
	return 0
}

// ByteType is the position of a byte inside the executed instruction that
// covered it.
type ByteType uint8

const (
	InstructionBody ByteType = iota
	InstructionHeading
	InstructionTailing
	InstructionOverlapped
)

func (bt ByteType) String() string {
	switch bt {
	case InstructionBody:
		return "body"
	case InstructionHeading:
		return "heading"
	case InstructionTailing:
		return "tailing"
	case InstructionOverlapped:
		return "overlapped"
	}
	return "unknown"
}

// page is the record of one PageSize aligned range of memory.
type page struct {
	typ   RecordType
	data  []byte
	dirty bool
}

func newPage(typ RecordType) *page {
	return &page{typ: typ, data: make([]byte, typ.dataSize())}
}

// decodePage decodes a page stored as one type byte followed by the page
// data.
func decodePage(buf []byte) (*page, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("empty trace record page")
	}
	typ := RecordType(buf[0])
	if typ.dataSize() == 0 || len(buf)-1 != typ.dataSize() {
		return nil, fmt.Errorf("corrupted trace record page (type %d, %d bytes)", buf[0], len(buf))
	}
	p := &page{typ: typ, data: make([]byte, len(buf)-1)}
	copy(p.data, buf[1:])
	return p, nil
}

func (p *page) encode() []byte {
	buf := make([]byte, 1+len(p.data))
	buf[0] = byte(p.typ)
	copy(buf[1:], p.data)
	return buf
}

func (p *page) counterMask() uint16 {
	if p.typ == TypeWord {
		return 0x3fff
	}
	return 0x3f
}

func (p *page) typeShift() uint {
	if p.typ == TypeWord {
		return 14
	}
	return 6
}

func (p *page) cell(off uint64) uint16 {
	switch p.typ {
	case TypeByte:
		return uint16(p.data[off])
	case TypeWord:
		return binary.LittleEndian.Uint16(p.data[off*2:])
	}
	return 0
}

func (p *page) setCell(off uint64, v uint16) {
	switch p.typ {
	case TypeByte:
		p.data[off] = byte(v)
	case TypeWord:
		binary.LittleEndian.PutUint16(p.data[off*2:], v)
	}
}

// mark records the execution of an instruction occupying size bytes
// starting at off. The range must not cross the end of the page.
func (p *page) mark(off, size uint64) {
	p.dirty = true
	if p.typ == TypeBit {
		for i := off; i < off+size; i++ {
			p.data[i/8] |= 1 << (i % 8)
		}
		return
	}
	mask := p.counterMask()
	shift := p.typeShift()
	overlapped := false
	for i := uint64(0); i < size; i++ {
		bt := InstructionBody
		switch {
		case i == 0:
			bt = InstructionHeading
		case i == size-1:
			bt = InstructionTailing
		}
		cur := p.cell(off + i)
		cnt := cur & mask
		if cnt != 0 && ByteType(cur>>shift) != bt {
			overlapped = true
		}
		if cnt < mask {
			cnt++
		}
		p.setCell(off+i, uint16(bt)<<shift|cnt)
	}
	if overlapped {
		for i := off; i < off+size; i++ {
			p.setCell(i, uint16(InstructionOverlapped)<<shift|p.cell(i)&mask)
		}
	}
}

func (p *page) hitCount(off uint64) uint {
	if p.typ == TypeBit {
		if p.data[off/8]&(1<<(off%8)) != 0 {
			return 1
		}
		return 0
	}
	return uint(p.cell(off) & p.counterMask())
}

func (p *page) byteType(off uint64) ByteType {
	if p.typ == TypeBit {
		return InstructionHeading
	}
	return ByteType(p.cell(off) >> p.typeShift())
}
