// Package buildinfo reports the vulcan release embedded at build time.
package buildinfo

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed VERSION
var versionFile string

// Overridden with -ldflags "-X github.com/born-ml/vulcan/internal/buildinfo.Commit=...".
var (
	Commit = "none"
	Date   = "unknown"
)

// Version returns the full release, e.g. "0.3.1".
func Version() string {
	return strings.TrimSpace(versionFile)
}

// ShortVersion returns major.minor of the release.
func ShortVersion() string {
	v := Version()
	if i := strings.LastIndex(v, "."); i > 0 {
		return v[:i]
	}
	return v
}

func String() string {
	return fmt.Sprintf("vulcan %s (commit=%s, date=%s)", Version(), Commit, Date)
}
