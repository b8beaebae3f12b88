package proc

import (
	"fmt"
	"strconv"
)

// Party classifies the origin of loaded code.
type Party int

const (
	// PartyUser is code belonging to the debugged program.
	PartyUser Party = 0
	// PartySystem is code belonging to the operating system.
	PartySystem Party = 1
)

func (p Party) String() string {
	switch p {
	case PartyUser:
		return "user"
	case PartySystem:
		return "system"
	}
	return strconv.Itoa(int(p))
}

// ParseParty parses "user", "system" or a signed integer.
func ParseParty(s string) (Party, error) {
	switch s {
	case "user":
		return PartyUser, nil
	case "system":
		return PartySystem, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid party %q", s)
	}
	return Party(n), nil
}

// Module is a loaded executable image.
type Module struct {
	Name     string
	Base     uint64
	Size     uint64
	Party    Party
	Sections []Section
}

// Contains returns true if addr is inside mod.
func (mod *Module) Contains(addr uint64) bool {
	return addr >= mod.Base && addr < mod.Base+mod.Size
}

// Section is a contiguous region of a module.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Contains returns true if addr is inside sec.
func (sec *Section) Contains(addr uint64) bool {
	return addr >= sec.Addr && addr < sec.Addr+sec.Size
}
