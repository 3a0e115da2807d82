// Package versions exposes the build's version information.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknown = "unknown"

// Set at build time via -ldflags
var (
	// Version is the release version, "dev" for local builds
	Version = "dev"
	// Commit is the git revision the binary was built from
	Commit = unknown
	// BuildDate is when the binary was built, RFC3339
	BuildDate = unknown
)

// VersionInfo describes the running build
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the running build's version information. Builds
// without ldflags fall back to the VCS metadata embedded by the toolchain.
func GetVersionInfo() VersionInfo {
	commit, date := Commit, BuildDate
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == unknown {
					commit = s.Value
				}
			case "vcs.time":
				if date == unknown {
					date = s.Value
				}
			}
		}
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		date = t.Format("2006-01-02 15:04:05 MST")
	}

	return VersionInfo{
		Version:   Version,
		Commit:    commit,
		BuildDate: date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
