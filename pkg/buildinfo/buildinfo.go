package buildinfo

import (
	"fmt"
	"io"
	"runtime"
)

// Set with -ldflags "-X example.com/memorix/pkg/buildinfo.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Print writes the build information of service to w.
func Print(w io.Writer, service string) {
	fmt.Fprintln(w, service)
	fmt.Fprintf(w, "Version:    %s\n", Version)
	fmt.Fprintf(w, "Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "Built:      %s\n", BuildTime)
	fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
