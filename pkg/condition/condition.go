// Package condition compiles and evaluates the expressions used to gate
// traced steps and the placeholders of log templates.
//
// Expressions are starlark expressions evaluated against the state of the
// current thread: every register is available as a predeclared integer
// (ip, cip and pc always name the program counter) and mem(addr, size)
// reads a little endian integer from target memory.
package condition

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.starlark.net/starlark"

	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
)

const (
	resultVar      = "__result__"
	memBuiltinName = "mem"
)

// InvalidConditionError is returned when an expression can not be
// compiled.
type InvalidConditionError struct {
	Expr string
	Err  error
}

func (err *InvalidConditionError) Error() string {
	return fmt.Sprintf("invalid expression %q: %v", err.Expr, err.Err)
}

func (err *InvalidConditionError) Unwrap() error {
	return err.Err
}

var errMultiline = errors.New("expression spans multiple lines")

// Compiler compiles expressions for a target with a fixed set of register
// names.
type Compiler struct {
	regs map[string]bool
}

// NewCompiler returns a compiler for expressions that can reference the
// registers in regNames.
func NewCompiler(regNames []string) *Compiler {
	c := &Compiler{regs: make(map[string]bool, len(regNames)+3)}
	for _, name := range regNames {
		c.regs[strings.ToLower(name)] = true
	}
	for _, name := range []string{"ip", "cip", "pc"} {
		c.regs[name] = true
	}
	return c
}

func (c *Compiler) isPredeclared(name string) bool {
	return name == memBuiltinName || c.regs[name]
}

// Condition is a compiled expression. The zero value, and the condition
// compiled from an empty expression, is always true.
type Condition struct {
	Expr string
	prog *starlark.Program
	regs map[string]bool
}

// Compile compiles expr. An empty expression compiles to a condition that
// is always true.
func (c *Compiler) Compile(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Condition{}, nil
	}
	if strings.ContainsAny(expr, "\r\n") {
		return nil, &InvalidConditionError{Expr: expr, Err: errMultiline}
	}
	_, prog, err := starlark.SourceProgram("<expr>", resultVar+" = ("+expr+")\n", c.isPredeclared)
	if err != nil {
		logflags.ConditionLogger().WithField("expr", expr).Debugf("compile error: %v", err)
		return nil, &InvalidConditionError{Expr: expr, Err: err}
	}
	return &Condition{Expr: expr, prog: prog, regs: c.regs}, nil
}

// Always returns true if cond does not depend on the target state.
func (cond *Condition) Always() bool {
	return cond == nil || cond.prog == nil
}

func (cond *Condition) eval(state *proc.ThreadState) (starlark.Value, error) {
	predeclared := starlark.StringDict{memBuiltinName: memBuiltin(state)}
	for name := range cond.regs {
		if v, ok := state.Reg(name); ok {
			predeclared[name] = starlark.MakeUint64(v)
		}
	}
	thread := &starlark.Thread{Name: "condition"}
	globals, err := cond.prog.Init(thread, predeclared)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %q: %w", cond.Expr, err)
	}
	return globals[resultVar], nil
}

// Evaluate evaluates cond against state. Integer results are true when
// they are not zero.
func (cond *Condition) Evaluate(state *proc.ThreadState) (bool, error) {
	if cond.Always() {
		return true, nil
	}
	v, err := cond.eval(state)
	if err != nil {
		return false, err
	}
	switch v := v.(type) {
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		return v.Sign() != 0, nil
	}
	return false, fmt.Errorf("expression %q has type %s, not a boolean", cond.Expr, v.Type())
}

// Value evaluates cond against state as an unsigned integer. Negative
// results are returned in two's complement and booleans as 0 or 1.
func (cond *Condition) Value(state *proc.ThreadState) (uint64, error) {
	if cond.Always() {
		return 1, nil
	}
	v, err := cond.eval(state)
	if err != nil {
		return 0, err
	}
	return toUint64(v)
}

func toUint64(v starlark.Value) (uint64, error) {
	switch v := v.(type) {
	case starlark.Bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case starlark.Int:
		if n, ok := v.Uint64(); ok {
			return n, nil
		}
		if n, ok := v.Int64(); ok {
			return uint64(n), nil
		}
		// truncate to the low 64 bits
		return new(big.Int).And(v.BigInt(), new(big.Int).SetUint64(^uint64(0))).Uint64(), nil
	}
	return 0, fmt.Errorf("value of type %s is not an integer", v.Type())
}

func memBuiltin(state *proc.ThreadState) *starlark.Builtin {
	return starlark.NewBuiltin(memBuiltinName, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv, sizev starlark.Value
		if err := starlark.UnpackArgs(memBuiltinName, args, kwargs, "addr", &addrv, "size?", &sizev); err != nil {
			return nil, err
		}
		addr, err := toUint64(addrv)
		if err != nil {
			return nil, fmt.Errorf("%s: addr: %v", memBuiltinName, err)
		}
		size := uint64(8)
		if sizev != nil {
			size, err = toUint64(sizev)
			if err != nil {
				return nil, fmt.Errorf("%s: size: %v", memBuiltinName, err)
			}
		}
		v, err := state.ReadUint(addr, int(size))
		if err != nil {
			return nil, fmt.Errorf("%s: could not read %d bytes at %#x: %v", memBuiltinName, size, addr, err)
		}
		return starlark.MakeUint64(v), nil
	})
}
