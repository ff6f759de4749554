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

// Info returns compile-time and platform metadata, suitable for a
// "version" subcommand or a health endpoint's build block.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging and "version" output.
func String(service string) string {
	return fmt.Sprintf("%s %s (%s@%s) built %s", service, Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent returns an HTTP User-Agent string for outgoing requests made
// by a substrate service (e.g. load balancer health probes).
func UserAgent(service string) string {
	return fmt.Sprintf("alicia-%s/%s (+https://github.com/alicia-project/alicia-core)", service, Version)
}
