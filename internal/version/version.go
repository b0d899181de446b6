// Package version reports the build identity of the termpilot binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/termpilot"

// buildVersion is set via -ldflags "-X pkt.systems/termpilot/internal/version.buildVersion=...".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Info describes the running build.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// String renders the info as a single line for `termpilot version`.
func (i Info) String() string {
	out := fmt.Sprintf("%s %s", i.Module, i.Version)
	if i.Revision != "" {
		out += " (" + shortRevision(i.Revision)
		if i.Modified {
			out += ", modified"
		}
		out += ")"
	}
	return out + " " + i.GoVersion
}

// Read collects build identity from ldflags and the embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: "v0.0.0-unknown", GoVersion: runtime.Version()}
	bi, ok := readBuildInfo()
	if ok && bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		vcs := vcsSettings(bi)
		info.Revision = vcs.revision
		info.Modified = vcs.modified
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = strings.TrimSuffix(v, "+dirty")
		} else if v := vcs.pseudo(); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

type vcsInfo struct {
	revision string
	at       time.Time
	modified bool
}

func vcsSettings(bi *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.at = parsed
			}
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudo builds a Go-style pseudo version from VCS stamps.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.at.IsZero() {
		return ""
	}
	return "v0.0.0-" + v.at.UTC().Format("20060102150405") + "-" + shortRevision(v.revision)
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
