// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns build and runtime metadata as a map, suitable for
// the version command and JSON output.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the default User-Agent for outbound requests that are not
// impersonating the vendor app (Home Assistant, InfluxDB).
func UserAgent() string {
	return "direct4me-bridge/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("direct4me-bridge %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
