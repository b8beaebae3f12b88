package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	traceCmds
	runCmds
	breakCmds
	dataCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Conditional tracing", traceCmds},
	{"Running the program", runCmds},
	{"Manipulating breakpoints", breakCmds},
	{"Viewing registers, memory and modules", dataCmds},
	{"Other commands", otherCmds},
}
