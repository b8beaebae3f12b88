package replay

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/steptrace/pkg/proc"
)

// Recording is the YAML representation of a recorded execution.
type Recording struct {
	Pid int `yaml:"pid"`
	// Bits is the default bitness of the recorded thread, 32 or 64.
	Bits int `yaml:"bits"`
	// Registers lists the register names of the target.
	Registers []string       `yaml:"registers"`
	Modules   []ModuleRecord `yaml:"modules"`
	Memory    []MemoryRecord `yaml:"memory"`
	Steps     []StepRecord   `yaml:"steps"`
	Exit      int            `yaml:"exit"`
}

// ModuleRecord is a module loaded by the recorded process.
type ModuleRecord struct {
	Name     string          `yaml:"name"`
	Base     uint64          `yaml:"base"`
	Size     uint64          `yaml:"size"`
	Party    string          `yaml:"party"`
	Sections []SectionRecord `yaml:"sections"`
}

// SectionRecord is a section of a module.
type SectionRecord struct {
	Name string `yaml:"name"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

// MemoryRecord is a range of target memory, Bytes is hex encoded and can
// contain white space.
type MemoryRecord struct {
	Addr  uint64 `yaml:"addr"`
	Bytes string `yaml:"bytes"`
}

// StepRecord is the state of the thread before executing the instruction
// at PC.
type StepRecord struct {
	PC uint64 `yaml:"pc"`
	// Regs contains the registers that changed since the previous step.
	Regs map[string]uint64 `yaml:"regs,omitempty"`
	// Depth is the call depth. When omitted it is derived from the
	// previous step: one more after a call instruction, one less after a
	// return.
	Depth *int `yaml:"depth,omitempty"`
	// Bits overrides the bitness of the recording for this step.
	Bits int `yaml:"bits,omitempty"`
	// Transition marks instructions executed inside a 32/64-bit subsystem
	// transition.
	Transition bool `yaml:"transition,omitempty"`
}

// LoadRecording reads a YAML recording from path.
func LoadRecording(path string) (*Recording, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	rec, err := ReadRecording(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// ReadRecording reads a YAML recording from r.
func ReadRecording(r io.Reader) (*Recording, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rec Recording
	if err := yaml.UnmarshalStrict(buf, &rec); err != nil {
		return nil, fmt.Errorf("could not decode recording: %w", err)
	}
	return &rec, nil
}

type memRegion struct {
	addr uint64
	data []byte
}

type memory []memRegion

func (mem memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	i := sort.Search(len(mem), func(i int) bool { return mem[i].addr+uint64(len(mem[i].data)) > addr })
	if i >= len(mem) || addr < mem[i].addr {
		return 0, proc.ErrMemoryUnavailable
	}
	return copy(buf, mem[i].data[addr-mem[i].addr:]), nil
}

func (rec *Recording) memory() (memory, error) {
	mem := make(memory, 0, len(rec.Memory))
	for _, m := range rec.Memory {
		data, err := hex.DecodeString(strings.Join(strings.Fields(m.Bytes), ""))
		if err != nil {
			return nil, fmt.Errorf("memory at %#x: %w", m.Addr, err)
		}
		mem = append(mem, memRegion{addr: m.Addr, data: data})
	}
	sort.Slice(mem, func(i, j int) bool { return mem[i].addr < mem[j].addr })
	for i := 1; i < len(mem); i++ {
		if mem[i-1].addr+uint64(len(mem[i-1].data)) > mem[i].addr {
			return nil, fmt.Errorf("memory at %#x overlaps memory at %#x", mem[i].addr, mem[i-1].addr)
		}
	}
	return mem, nil
}

func (rec *Recording) modules() ([]*proc.Module, error) {
	mods := make([]*proc.Module, 0, len(rec.Modules))
	for _, m := range rec.Modules {
		party := proc.PartyUser
		if m.Party != "" {
			var err error
			party, err = proc.ParseParty(m.Party)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", m.Name, err)
			}
		}
		mod := &proc.Module{Name: m.Name, Base: m.Base, Size: m.Size, Party: party}
		for _, s := range m.Sections {
			mod.Sections = append(mod.Sections, proc.Section{Name: s.Name, Addr: s.Addr, Size: s.Size})
		}
		mods = append(mods, mod)
	}
	return mods, nil
}
