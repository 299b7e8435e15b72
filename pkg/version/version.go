// Package version carries build metadata stamped via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -X github.com/goclaw/cadence/pkg/version.Version=...
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns version fields for the health and version endpoints.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String renders a one-line version banner.
func String() string {
	return fmt.Sprintf("cadence %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
