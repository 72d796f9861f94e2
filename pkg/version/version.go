// Package version carries the build identity injected at link time,
// e.g. -ldflags "-X gridlink/pkg/version.Version=v1.2.3".
package version

var (
	Version   = "dev"     // semantic version (e.g., v1.2.3)
	GitCommit = "unknown" // git commit hash
	BuildDate = "unknown" // build timestamp
)

// Info is the build identity block reported on status endpoints.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// GetInfo returns version information as a struct
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// String renders the one-line build stamp logged at startup.
func String() string {
	if GitCommit == "unknown" {
		return Version
	}
	return Version + " (" + GetShortCommit() + ")"
}
