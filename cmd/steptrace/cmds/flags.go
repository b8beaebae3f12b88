package cmds

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/go-delve/steptrace/pkg/proc"
	"github.com/go-delve/steptrace/pkg/tracer"
)

var (
	_ pflag.Value = (*stepModeValue)(nil)
	_ pflag.Value = (*recordPolicyValue)(nil)
	_ pflag.Value = (*partyValue)(nil)
)

// stepModeValue is a pflag.Value selecting a proc.StepMode by name.
type stepModeValue proc.StepMode

func (v *stepModeValue) String() string { return proc.StepMode(*v).String() }
func (v *stepModeValue) Type() string   { return "mode" }

func (v *stepModeValue) Set(s string) error {
	for m := proc.StepInto; m <= proc.StepOverBoundary; m++ {
		if m.String() == s {
			*v = stepModeValue(m)
			return nil
		}
	}
	return fmt.Errorf("unknown step mode %q", s)
}

// recordPolicyValue is a pflag.Value selecting a tracer.RecordPolicy by
// name.
type recordPolicyValue tracer.RecordPolicy

func (v *recordPolicyValue) String() string { return tracer.RecordPolicy(*v).String() }
func (v *recordPolicyValue) Type() string   { return "policy" }

func (v *recordPolicyValue) Set(s string) error {
	for p := tracer.PolicyNone; p <= tracer.PolicyIntoTraceRecord; p++ {
		if p.String() == s {
			*v = recordPolicyValue(p)
			return nil
		}
	}
	return fmt.Errorf("unknown trace record policy %q", s)
}

// partyValue is an optional proc.Party.
type partyValue struct {
	party proc.Party
	set   bool
}

func (v *partyValue) String() string {
	if !v.set {
		return ""
	}
	return v.party.String()
}

func (v *partyValue) Type() string { return "party" }

func (v *partyValue) Set(s string) error {
	p, err := proc.ParseParty(s)
	if err != nil {
		return err
	}
	v.party, v.set = p, true
	return nil
}
