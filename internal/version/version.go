// Package version holds build metadata injected via -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns a human readable version line.
func Full() string {
	return fmt.Sprintf("voice-recorder %s (commit %s, built %s)", Version, Commit, Date)
}
