package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/steptrace/pkg/proc"
)

const (
	formatError  = "[Formatting Error]"
	invalidValue = "???"
	maxStringLen = 512
)

type valueFormat uint8

const (
	formatHex valueFormat = iota
	formatLongHex
	formatSigned
	formatUnsigned
	formatPointer
	formatString
)

type segment struct {
	text   string
	format valueFormat
	cond   *Condition
	err    error
}

// Template is a compiled log template. Text between braces is an
// expression whose value replaces the placeholder, by default printed in
// hexadecimal. A prefix selects a different format:
//
//	{x:expr}	hexadecimal padded to the pointer size
//	{d:expr}	signed decimal
//	{u:expr}	unsigned decimal
//	{p:expr}	hexadecimal padded to the pointer size with a 0x prefix
//	{s:expr}	string stored at the address expr
//
// The sequences {{ and }} print a literal brace and \n prints a newline.
type Template struct {
	Text     string
	segments []segment
}

// CompileTemplate compiles the template text. Placeholders containing an
// expression that can not be compiled are printed as "[Formatting Error]".
func (c *Compiler) CompileTemplate(text string) *Template {
	tmpl := &Template{Text: text}
	format := strings.Replace(text, `\n`, "\n", -1)

	var lit, expr strings.Builder
	inExpr := false
	flushLit := func() {
		if lit.Len() > 0 {
			tmpl.segments = append(tmpl.segments, segment{text: lit.String()})
			lit.Reset()
		}
	}
	flushExpr := func() {
		if expr.Len() > 0 {
			flushLit()
			tmpl.segments = append(tmpl.segments, c.compilePlaceholder(expr.String()))
			expr.Reset()
		}
	}

	for i := 0; i < len(format); i++ {
		ch := format[i]
		switch {
		case ch == '{' && i+1 < len(format) && format[i+1] == '{':
			lit.WriteByte('{')
			i++
		case ch == '}' && i+1 < len(format) && format[i+1] == '}':
			lit.WriteByte('}')
			i++
		case ch == '{' && !inExpr:
			inExpr = true
			expr.Reset()
		case ch == '}' && inExpr:
			inExpr = false
			flushExpr()
		case inExpr:
			expr.WriteByte(ch)
		default:
			lit.WriteByte(ch)
		}
	}
	if inExpr {
		flushExpr()
	}
	flushLit()
	return tmpl
}

func (c *Compiler) compilePlaceholder(s string) segment {
	seg := segment{format: formatHex}
	if len(s) > 2 && s[1] == ':' {
		explicit := true
		switch s[0] {
		case 'x':
			seg.format = formatLongHex
		case 'd':
			seg.format = formatSigned
		case 'u':
			seg.format = formatUnsigned
		case 'p':
			seg.format = formatPointer
		case 's':
			seg.format = formatString
		default:
			explicit = false
		}
		if explicit {
			s = s[2:]
		}
	}
	if strings.TrimSpace(s) == "" {
		seg.err = &InvalidConditionError{Expr: s, Err: fmt.Errorf("empty expression")}
		return seg
	}
	seg.cond, seg.err = c.Compile(s)
	return seg
}

// Format renders tmpl against state.
func (tmpl *Template) Format(state *proc.ThreadState) string {
	var out strings.Builder
	for i := range tmpl.segments {
		seg := &tmpl.segments[i]
		switch {
		case seg.cond == nil && seg.err == nil:
			out.WriteString(seg.text)
		case seg.err != nil:
			out.WriteString(formatError)
		default:
			out.WriteString(seg.render(state))
		}
	}
	return out.String()
}

func (seg *segment) render(state *proc.ThreadState) string {
	v, err := seg.cond.Value(state)
	if err != nil {
		return invalidValue
	}
	width := 16
	if state.Bits == 32 {
		width = 8
	}
	switch seg.format {
	case formatLongHex:
		return fmt.Sprintf("%0*X", width, v)
	case formatSigned:
		if width == 8 {
			return strconv.FormatInt(int64(int32(v)), 10)
		}
		return strconv.FormatInt(int64(v), 10)
	case formatUnsigned:
		return strconv.FormatUint(v, 10)
	case formatPointer:
		return fmt.Sprintf("0x%0*X", width, v)
	case formatString:
		if s, ok := readString(state, v); ok {
			return s
		}
		return invalidValue
	}
	return fmt.Sprintf("%X", v)
}

// readString reads a NUL terminated printable ASCII string at addr and
// returns it quoted.
func readString(state *proc.ThreadState, addr uint64) (string, bool) {
	buf := make([]byte, maxStringLen)
	n, _ := state.ReadMemory(buf, addr)
	buf = buf[:n]
	end := -1
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' || b >= 0x7f {
			return "", false
		}
	}
	if end < 0 {
		if n < maxStringLen {
			return "", false
		}
		end = n
	}
	return strconv.Quote(string(buf[:end])), true
}
