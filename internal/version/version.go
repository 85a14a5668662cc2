// Package version provides build-time version information.
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the version line shown by `slate status` and /api/version.
func String() string {
	return fmt.Sprintf("slate %s (%s, built %s)", Version, Commit, BuildDate)
}
