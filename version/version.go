// Package version holds build details, set at link time with -ldflags "-X".
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build and version details
var (
	GitCommit = ""
	GitBranch = ""
	BuildDate = ""
	Version   = "unknown"
)

// String formats the version details, one "name: value" pair per line.
// Unset details are skipped.
func String() string {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"git commit", GitCommit},
		{"git branch", GitBranch},
		{"build date", BuildDate},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
		}
	}
	fmt.Fprintf(&b, "go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "version: %s", Version)
	return b.String()
}

// LogFields returns the version details as logger key/value pairs.
func LogFields() []interface{} {
	return []interface{}{
		"GitCommit", GitCommit,
		"GitBranch", GitBranch,
		"BuildDate", BuildDate,
		"Version", Version,
	}
}
