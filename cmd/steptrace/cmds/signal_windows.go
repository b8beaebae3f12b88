package cmds

import (
	"os"
	"os/signal"

	"github.com/go-delve/steptrace/service/debugger"
)

// notifyCancel cancels the running trace or run to party of d on Ctrl-C
// until the returned function is called.
func notifyCancel(d *debugger.Debugger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				d.Cancel()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
