package version

import "testing"

func stashBuildVars(t *testing.T) {
	v, c, d := Version, GitCommit, BuildDate
	t.Cleanup(func() {
		Version, GitCommit, BuildDate = v, c, d
	})
}

func TestGetInfo(t *testing.T) {
	stashBuildVars(t)
	Version, GitCommit, BuildDate = "v1.2.3", "abcdef123456", "2026-01-01"

	info := GetInfo()
	if info.Version != "v1.2.3" || info.GitCommit != "abcdef123456" || info.BuildDate != "2026-01-01" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGetShortCommit(t *testing.T) {
	stashBuildVars(t)

	GitCommit = "abcdef123456"
	if got := GetShortCommit(); got != "abcdef1" {
		t.Fatalf("expected abcdef1, got %q", got)
	}

	GitCommit = "abc"
	if got := GetShortCommit(); got != "abc" {
		t.Fatalf("short hashes pass through, got %q", got)
	}
}

func TestString(t *testing.T) {
	stashBuildVars(t)

	Version, GitCommit = "v2.0.0", "abcdef123456"
	if got := String(); got != "v2.0.0 (abcdef1)" {
		t.Fatalf("expected stamped version, got %q", got)
	}

	GitCommit = "unknown"
	if got := String(); got != "v2.0.0" {
		t.Fatalf("unknown commit should be omitted, got %q", got)
	}
}
