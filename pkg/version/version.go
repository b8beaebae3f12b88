package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of steptrace.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// StepTraceVersion is the current version of steptrace.
var StepTraceVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the module dependencies of the
// running binary.
func BuildInfo() string {
	var sb strings.Builder
	sb.WriteString(runtime.Version())
	sb.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		sb.WriteString("not built in module mode")
		return sb.String()
	}
	fmt.Fprintf(&sb, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(&sb, " dep\t%s\t%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", dep.Replace.Path, dep.Replace.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func fixBuild(v *Version) {
	// keep a Build set by the linker
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
