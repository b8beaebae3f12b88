// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/tracer"
	"github.com/go-delve/steptrace/service/debugger"
)

type cmdPrefix int

const (
	noPrefix   = cmdPrefix(0)
	hookPrefix = cmdPrefix(1 << iota)
)

type callContext struct {
	Prefix cmdPrefix
	// Ctx is passed to the debugger, commands run by the trace command
	// hook receive the context of the debugger control goroutine.
	Ctx context.Context
}

func (ctx *callContext) context() context.Context {
	if ctx.Ctx == nil {
		return context.Background()
	}
	return ctx.Ctx
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases         []string
	builtinAliases  []string
	group           commandGroup
	allowedPrefixes cmdPrefix
	helpMsg         string
	cmdFn           cmdfunc
	// completions are offered for the first argument.
	completions []string
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the steptrace terminal.
type Commands struct {
	cmds     []command
	debugger *debugger.Debugger
	names    *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(d *debugger.Debugger) *Commands {
	c := &Commands{debugger: d}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, allowedPrefixes: hookPrefix, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"ticnd"}, group: traceCmds, cmdFn: traceCommand(proc.StepInto, tracer.PolicyNone), helpMsg: `Traces into calls until a condition is met.

	ticnd [-boundary] <condition> [max steps]

Steps one instruction at a time, entering calls, until <condition> is true or
[max steps] steps were taken. The default step cap is the max-trace-count
configuration option (50000). With -boundary the trace follows execution
across 32/64-bit subsystem transitions instead of stepping inside them.

The condition is an expression over the registers of the current thread:

	ticnd "ip == 0x401000"
	ticnd "rax != 0 and mem(rsp) == 0x401009" 1000

See also "tracelog" and "tracecmd".`},
		{aliases: []string{"tocnd"}, group: traceCmds, cmdFn: traceCommand(proc.StepOver, tracer.PolicyNone), helpMsg: `Traces over calls until a condition is met.

	tocnd [-boundary] <condition> [max steps]

Like ticnd but calls are executed as a single step.`},
		{aliases: []string{"tibt"}, group: traceCmds, cmdFn: traceCommand(proc.StepInto, tracer.PolicyBeyondTraceRecord), helpMsg: `Traces into calls until an instruction that was never executed is reached.

	tibt [-boundary] [condition] [max steps]

Requires trace recording, see "tracerecord". The trace also stops when
[condition] is true.`},
		{aliases: []string{"tobt"}, group: traceCmds, cmdFn: traceCommand(proc.StepOver, tracer.PolicyBeyondTraceRecord), helpMsg: `Traces over calls until an instruction that was never executed is reached.

	tobt [-boundary] [condition] [max steps]

Requires trace recording, see "tracerecord".`},
		{aliases: []string{"tiit"}, group: traceCmds, cmdFn: traceCommand(proc.StepInto, tracer.PolicyIntoTraceRecord), helpMsg: `Traces into calls until an instruction that was already executed is reached.

	tiit [-boundary] [condition] [max steps]

Requires trace recording, see "tracerecord".`},
		{aliases: []string{"toit"}, group: traceCmds, cmdFn: traceCommand(proc.StepOver, tracer.PolicyIntoTraceRecord), helpMsg: `Traces over calls until an instruction that was already executed is reached.

	toit [-boundary] [condition] [max steps]

Requires trace recording, see "tracerecord".`},
		{aliases: []string{"tracelog"}, group: traceCmds, allowedPrefixes: hookPrefix, cmdFn: traceLog, helpMsg: `Sets the text logged after every traced step.

	tracelog [text] [condition]

The text is logged after every step where [condition] is true, or after
every step if [condition] is omitted. Without arguments logging is disabled.
The text can contain expressions between braces, optionally prefixed by a
format:

	{expr}     hexadecimal
	{x:expr}   hexadecimal, padded to the pointer size
	{p:expr}   pointer
	{d:expr}   signed decimal
	{u:expr}   unsigned decimal
	{s:expr}   string at the address

Use {{ and }} for literal braces.`},
		{aliases: []string{"tracecmd"}, group: traceCmds, allowedPrefixes: hookPrefix, cmdFn: traceCmd, helpMsg: `Sets the command executed after every traced step.

	tracecmd [command] [condition]

The command is executed after every step where [condition] is true, once the
step has been processed. Without arguments the hook is disabled.`},
		{aliases: []string{"tracelogfile"}, group: traceCmds, allowedPrefixes: hookPrefix, cmdFn: traceLogFile, helpMsg: `Redirects the trace log to a file.

	tracelogfile [path]

The log is appended to the file. Without arguments the trace log is written
to the console again.`},
		{aliases: []string{"tracerecord", "tr"}, group: traceCmds, allowedPrefixes: hookPrefix, cmdFn: traceRecord, completions: []string{"on", "off", "info", "flush", "hits"}, helpMsg: `Manages the trace record.

	tracerecord on [path]
	tracerecord off
	tracerecord info
	tracerecord flush
	tracerecord hits <address>

The trace record remembers which instructions were executed, it is used by
tibt, tobt, tiit and toit. If no path is given the trace-record-dir
configuration option is used.`},
		{aliases: []string{"cancel"}, group: traceCmds, allowedPrefixes: hookPrefix, cmdFn: cancelCmd, helpMsg: `Cancels the running trace or run to party.`},
		{aliases: []string{"rtp"}, group: runCmds, cmdFn: runToPartyCmd, completions: []string{"user", "system"}, helpMsg: `Runs until code of a party is executed.

	rtp <party>

Party is "user", "system" or a number. Execute breakpoints are placed on every
section of the modules of the party, they are all removed as soon as one of
them is hit.`},
		{aliases: []string{"rtu"}, group: runCmds, cmdFn: runToParty(proc.PartyUser), helpMsg: `Runs until user code is executed, same as "rtp user".`},
		{aliases: []string{"rts"}, group: runCmds, cmdFn: runToParty(proc.PartySystem), helpMsg: `Runs until system code is executed, same as "rtp system".`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: stepCommand(proc.StepInto), helpMsg: `Single step one instruction, entering calls.

	step [-boundary]`},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: stepCommand(proc.StepOver), helpMsg: `Step over one instruction.

	next [-boundary]`},
		{aliases: []string{"break", "b"}, group: breakCmds, allowedPrefixes: hookPrefix, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address> [size] [access]

Access is a combination of r, w and x, the default is an execute breakpoint
of size 1.`},
		{aliases: []string{"clear"}, group: breakCmds, allowedPrefixes: hookPrefix, cmdFn: clearCmd, helpMsg: `Deletes the breakpoint at an address.

	clear <address>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, allowedPrefixes: hookPrefix, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"regs"}, group: dataCmds, allowedPrefixes: hookPrefix, cmdFn: regs, helpMsg: "Print contents of CPU registers."},
		{aliases: []string{"print", "p"}, group: dataCmds, allowedPrefixes: hookPrefix, cmdFn: printExpr, helpMsg: `Evaluate an expression.

	print <expression>

The expression uses the same syntax as trace conditions.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, allowedPrefixes: hookPrefix, cmdFn: examineMemoryCmd, helpMsg: `Examine memory.

	examinemem <address> [count]

Prints [count] bytes, 64 by default.`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, allowedPrefixes: hookPrefix, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [address] [count]

Disassembles [count] instructions, 10 by default, starting at [address] or at
the current instruction.`},
		{aliases: []string{"sections"}, group: dataCmds, allowedPrefixes: hookPrefix, cmdFn: sections, helpMsg: "List the sections of the loaded modules."},
		{aliases: []string{"config"}, cmdFn: configureCmd, completions: []string{"-list", "-save", "alias"}, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of steptrace commands.

	source <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the debugger."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildNames()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) buildNames() {
	c.names = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
}

// complete returns the completions of line, it completes command names
// and the first argument of commands with a fixed set of arguments.
func (c *Commands) complete(line string) []string {
	if idx := strings.Index(line, " "); idx >= 0 {
		node, ok := c.names.Find(line[:idx])
		if !ok {
			return nil
		}
		cmd := c.cmds[node.Meta().(int)]
		arg := strings.TrimLeft(line[idx:], " ")
		var r []string
		for _, compl := range cmd.completions {
			if strings.HasPrefix(compl, arg) {
				r = append(r, line[:idx]+" "+compl)
			}
		}
		return r
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string, prefix cmdPrefix) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			if prefix != noPrefix && v.allowedPrefixes&prefix == 0 {
				continue
			}
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname, ctx.Prefix)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Prefix: noPrefix})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildNames()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args into words, honoring shell quoting.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

// boundaryFlag removes a leading -boundary flag from words and returns the
// matching step mode.
func boundaryFlag(words []string, mode proc.StepMode) ([]string, proc.StepMode) {
	if len(words) == 0 || words[0] != "-boundary" {
		return words, mode
	}
	switch mode {
	case proc.StepInto:
		mode = proc.StepIntoBoundary
	case proc.StepOver:
		mode = proc.StepOverBoundary
	}
	return words[1:], mode
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

func traceCommand(mode proc.StepMode, policy tracer.RecordPolicy) cmdfunc {
	return func(t *Term, ctx callContext, args string) error {
		words, err := splitArgs(args)
		if err != nil {
			return err
		}
		words, m := boundaryFlag(words, mode)

		// without a condition the record policies trace until the record
		// says otherwise
		expr := "0"
		if len(words) > 0 {
			expr = words[0]
		} else if policy == tracer.PolicyNone {
			return errors.New("not enough arguments")
		}
		var maxSteps uint64
		switch len(words) {
		case 0, 1:
		case 2:
			maxSteps, err = strconv.ParseUint(words[1], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid step count %q", words[1])
			}
		default:
			return errors.New("too many arguments")
		}

		t.drainFinished()
		if err := t.debugger.StartConditionalTrace(expr, maxSteps, tracer.StepKind{Mode: m, Policy: policy}); err != nil {
			return err
		}
		t.waitFinished(ctx)
		return nil
	}
}

// hookArgs parses the arguments of tracelog and tracecmd.
func hookArgs(args string) (text, expr string, err error) {
	words, err := splitArgs(args)
	if err != nil {
		return "", "", err
	}
	switch len(words) {
	case 0:
	case 1:
		text = words[0]
	case 2:
		text, expr = words[0], words[1]
	default:
		return "", "", errors.New("too many arguments, quote the text and the condition")
	}
	return text, expr, nil
}

func traceLog(t *Term, ctx callContext, args string) error {
	text, expr, err := hookArgs(args)
	if err != nil {
		return err
	}
	return t.debugger.SetTraceLog(expr, text)
}

func traceCmd(t *Term, ctx callContext, args string) error {
	text, expr, err := hookArgs(args)
	if err != nil {
		return err
	}
	return t.debugger.SetTraceCommand(expr, text)
}

func traceLogFile(t *Term, ctx callContext, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	switch len(words) {
	case 0:
		return t.debugger.SetTraceLogFile("")
	case 1:
		return t.debugger.SetTraceLogFile(words[0])
	}
	return errors.New("too many arguments")
}

func traceRecord(t *Term, ctx callContext, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		words = []string{"info"}
	}
	switch words[0] {
	case "on":
		var path string
		if len(words) > 1 {
			path = words[1]
		}
		if err := t.debugger.EnableTraceRecording(true, path); err != nil {
			return err
		}
		info, err := t.debugger.TraceRecordInfo()
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Trace recording enabled in %s\n", info.Path)
	case "off":
		if err := t.debugger.EnableTraceRecording(false, ""); err != nil {
			return err
		}
		fmt.Fprintln(t.stdout, "Trace recording disabled")
	case "info":
		info, err := t.debugger.TraceRecordInfo()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
		fmt.Fprintf(w, "enabled\t%v\n", info.Enabled)
		if info.Enabled {
			fmt.Fprintf(w, "path\t%s\n", info.Path)
			fmt.Fprintf(w, "pages\t%d (%d cached)\n", info.Pages, info.CachedPages)
		}
		fmt.Fprintf(w, "type\t%s\n", info.Type)
		fmt.Fprintf(w, "instructions\t%d\n", info.Instructions)
		return w.Flush()
	case "flush":
		return t.debugger.FlushTraceRecord()
	case "hits":
		if len(words) != 2 {
			return errors.New("wrong number of arguments to \"tracerecord hits\"")
		}
		addr, err := parseAddress(words[1])
		if err != nil {
			return err
		}
		visit, hits, bt := t.debugger.TraceRecordHitCount(addr)
		fmt.Fprintf(t.stdout, "%#x: %s, %d hits, %s\n", addr, visit, hits, bt)
	default:
		return fmt.Errorf("unknown subcommand %q", words[0])
	}
	return nil
}

func cancelCmd(t *Term, ctx callContext, args string) error {
	if !t.debugger.Cancel() {
		return errors.New("nothing to cancel")
	}
	return nil
}

func runToPartyCmd(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	party, err := proc.ParseParty(args)
	if err != nil {
		return err
	}
	return runToParty(party)(t, ctx, "")
}

func runToParty(party proc.Party) cmdfunc {
	return func(t *Term, ctx callContext, args string) error {
		if args != "" {
			return errors.New("too many arguments")
		}
		t.drainFinished()
		if err := t.debugger.StartRunToParty(ctx.context(), party); err != nil {
			return err
		}
		t.waitFinished(ctx)
		return nil
	}
}

func cont(t *Term, ctx callContext, args string) error {
	stop, err := t.debugger.Continue(ctx.context())
	if err != nil {
		return err
	}
	switch {
	case stop.Breakpoint != nil:
		fmt.Fprintf(t.stdout, "> Breakpoint %d hit at %#x\n", stop.Breakpoint.ID, stop.State.PC)
	case stop.Manual:
		fmt.Fprintln(t.stdout, "> Stopped")
	}
	if stop.State != nil {
		printcontext(t, stop.State)
	}
	return nil
}

func stepCommand(mode proc.StepMode) cmdfunc {
	return func(t *Term, ctx callContext, args string) error {
		words, err := splitArgs(args)
		if err != nil {
			return err
		}
		words, m := boundaryFlag(words, mode)
		if len(words) > 0 {
			return errors.New("too many arguments")
		}
		state, err := t.debugger.Step(ctx.context(), m)
		if err != nil {
			return err
		}
		printcontext(t, state)
		return nil
	}
}

func breakpoint(t *Term, ctx callContext, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) == 0 || len(words) > 3 {
		return errors.New("wrong number of arguments to \"break\"")
	}
	addr, err := parseAddress(words[0])
	if err != nil {
		return err
	}
	size := uint64(1)
	if len(words) > 1 {
		if size, err = strconv.ParseUint(words[1], 0, 64); err != nil || size == 0 {
			return fmt.Errorf("invalid size %q", words[1])
		}
	}
	access := proc.AccessExecute
	if len(words) > 2 {
		access = 0
		for _, ch := range words[2] {
			switch ch {
			case 'r':
				access |= proc.AccessRead
			case 'w':
				access |= proc.AccessWrite
			case 'x':
				access |= proc.AccessExecute
			default:
				return fmt.Errorf("invalid access %q", words[2])
			}
		}
	}
	bp, err := t.debugger.CreateBreakpoint(ctx.context(), addr, size, access)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", bp)
	return nil
}

func clearCmd(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	if err := t.debugger.ClearBreakpoint(ctx.context(), addr); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
	return nil
}

func breakpoints(t *Term, ctx callContext, args string) error {
	bps, err := t.debugger.Breakpoints(ctx.context())
	if err != nil {
		return err
	}
	for _, bp := range bps {
		fmt.Fprintln(t.stdout, bp)
	}
	return nil
}

func currentState(t *Term, ctx callContext) (*proc.ThreadState, error) {
	return t.debugger.State(ctx.context())
}

func regs(t *Term, ctx callContext, args string) error {
	state, err := currentState(t, ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	digits := state.Bits / 4
	fmt.Fprintf(w, "%4s\t%#0*x\t\n", "ip", digits+2, state.PC)
	for _, name := range state.RegNames() {
		fmt.Fprintf(w, "%4s\t%#0*x\t\n", name, digits+2, state.Regs[name])
	}
	return w.Flush()
}

func printExpr(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	cond, err := t.debugger.Compiler().Compile(args)
	if err != nil {
		return err
	}
	state, err := currentState(t, ctx)
	if err != nil {
		return err
	}
	v, err := cond.Value(state)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x (%d)\n", v, v)
	return nil
}

func examineMemoryCmd(t *Term, ctx callContext, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) == 0 || len(words) > 2 {
		return errors.New("wrong number of arguments to \"examinemem\"")
	}
	addr, err := parseAddress(words[0])
	if err != nil {
		return err
	}
	count := 64
	if len(words) > 1 {
		if count, err = strconv.Atoi(words[1]); err != nil || count <= 0 || count > 1<<16 {
			return fmt.Errorf("invalid count %q", words[1])
		}
	}
	state, err := currentState(t, ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, count)
	n, err := state.ReadMemory(buf, addr)
	if n == 0 {
		return err
	}
	fmt.Fprint(t.stdout, hexdump(addr, buf[:n]))
	return nil
}

func hexdump(addr uint64, mem []byte) string {
	var sb strings.Builder
	for i := 0; i < len(mem); i += 16 {
		end := i + 16
		if end > len(mem) {
			end = len(mem)
		}
		fmt.Fprintf(&sb, "%#010x:  % x\n", addr+uint64(i), mem[i:end])
	}
	return sb.String()
}

func disassCommand(t *Term, ctx callContext, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) > 2 {
		return errors.New("too many arguments")
	}
	state, err := currentState(t, ctx)
	if err != nil {
		return err
	}
	addr := state.PC
	if len(words) > 0 {
		if addr, err = parseAddress(words[0]); err != nil {
			return err
		}
	}
	count := 10
	if len(words) > 1 {
		if count, err = strconv.Atoi(words[1]); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", words[1])
		}
	}
	insts := proc.Disassemble(state, addr, state.Bits, count)
	if len(insts) == 0 {
		return fmt.Errorf("could not read memory at %#x", addr)
	}
	disasmPrint(insts, state.PC, t.stdout)
	return nil
}

func sections(t *Term, ctx callContext, args string) error {
	secs, err := t.debugger.Sections(ctx.context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, sec := range secs {
		fmt.Fprintf(w, "%s\t%s\t%#x-%#x\t%s\n", sec.Module, sec.Section.Name, sec.Section.Addr, sec.Section.Addr+sec.Section.Size, sec.Party)
	}
	return w.Flush()
}

// printcontext prints the instruction at the current position. It only
// uses state, it can be called on the debugger control goroutine.
func printcontext(t *Term, state *proc.ThreadState) {
	insts := proc.Disassemble(state, state.PC, state.Bits, 1)
	if len(insts) == 0 {
		fmt.Fprintf(t.stdout, "=> %#x\n", state.PC)
		return
	}
	disasmPrint(insts, state.PC, t.stdout)
}

// ExitRequestError is returned when the user
// exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
