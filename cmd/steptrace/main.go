package main

import (
	"os"

	"github.com/go-delve/steptrace/cmd/steptrace/cmds"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.StepTraceVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		logflags.DebuggerLogger().Errorf("%v", err)
		os.Exit(1)
	}
}
