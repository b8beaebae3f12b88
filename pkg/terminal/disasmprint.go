package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-delve/steptrace/pkg/proc"
)

func disasmPrint(insts []proc.AsmInstruction, pc uint64, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range insts {
		atpc := ""
		if inst.Addr == pc {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x\t% x\t%s\n", atpc, inst.Addr, inst.Bytes, inst.Text)
	}
}
