package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = old })
}

func TestBuildVersionWins(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v0.9.0"}})
	old := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
	if got := Read().Module; got != "example.com/x" {
		t.Fatalf("expected module from build info, got %q", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Path: defaultModule, Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	info := Read()
	if info.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version %q", info.Version)
	}
	if !info.Modified {
		t.Fatalf("expected modified flag")
	}
	if s := info.String(); !strings.Contains(s, "(1234567890ab, modified)") {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestReadWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	info := Read()
	if info.Module != defaultModule || info.Version != "v0.0.0-unknown" {
		t.Fatalf("unexpected fallback %+v", info)
	}
}
