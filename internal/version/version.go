// Package version holds build-time version information for the memrag binary.
// The variables in this package are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/memrag/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/memrag/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/memrag/internal/version.BuildDate=2025-01-01"
//
// Without ldflags the module version and VCS revision recorded by the Go
// toolchain are used when available.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the semantic version of the binary (e.g. "v1.2.3").
var Version = "dev"

// Commit is the short git SHA of the commit the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC date the binary was built (RFC3339 format).
var BuildDate = "unknown"

// Info is the version triple reported by `memrag version` and /api/health.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the effective version information, filling ldflags defaults
// from the embedded build info.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		}
	}
	return info
}

// String formats i for humans.
func (i Info) String() string {
	return fmt.Sprintf("memrag %s (commit: %s, built: %s)", i.Version, i.Commit, i.BuildDate)
}
