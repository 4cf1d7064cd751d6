package core

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// Version is the display version of this binary
var Version string

// Build is the full build information, filled at init
var Build BuildInfo

func init() {
	Build = readBuildInfo(debug.ReadBuildInfo)
	Version = Build.Version
}

func readBuildInfo(read func() (*debug.BuildInfo, bool)) BuildInfo {
	b := BuildInfo{Version: "devel", GoVersion: runtime.Version()}

	info, ok := read()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}

	// Module version for go install of a tag; pseudo-versions fall through to VCS
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		b.Version = v
		return b
	}
	if b.Revision == "" {
		return b
	}

	b.Version = "devel-" + shortRevision(b.Revision)
	if b.Dirty {
		b.Version += "-dirty"
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// FormatVersion strips the "v" of tagged releases, "v1.2.0" -> "1.2.0"
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends with a 12 character commit hash,
// e.g. v0.0.0-20260217105831-82903d1d8810
func isPseudoVersion(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	return strings.Trim(hash, "0123456789abcdef") == ""
}
