// Package version holds build metadata injected via -ldflags:
//
//	go build -ldflags "-X audioproxy/internal/version.Version=v1.2.0 -X audioproxy/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

// Set at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line summary for -version output.
func Info() string {
	return fmt.Sprintf("audioproxy %s (commit %s, built %s)", Version, Commit, Date)
}
