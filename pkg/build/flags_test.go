// SPDX-License-Identifier: MIT
package build

import (
	"os"
	"strings"
	"testing"
)

var (
	origName    string
	origTime    string
	origCommit  string
	origVersion string
	origInfo    Info
)

func TestMain(m *testing.M) {
	origName = buildName
	origTime = buildTime
	origCommit = buildCommit
	origVersion = buildVersion
	origInfo = *buildInfo

	exitCode := m.Run()

	buildName = origName
	buildTime = origTime
	buildCommit = origCommit
	buildVersion = origVersion
	*buildInfo = origInfo

	os.Exit(exitCode)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name        string
		buildName   string
		buildTime   string
		buildCommit string
		buildVer    string
		wantErrMsg  string
	}{
		{"Missing BuildName", "", "2025-04-13", "abcdef123", "v1.0.0", "BuildName is required"},
		{"Missing BuildTime", "livepv", "", "abcdef123", "v1.0.0", "BuildTime is required"},
		{"Missing BuildCommit", "livepv", "2025-04-13", "", "v1.0.0", "BuildCommit is required"},
		{"Missing BuildVersion", "livepv", "2025-04-13", "abcdef123", "", "BuildVersion is required"},
		{"Success Case", "livepv", "2025-04-13", "abcdef123", "v1.0.0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*buildInfo = origInfo

			buildName = tt.buildName
			buildTime = tt.buildTime
			buildCommit = tt.buildCommit
			buildVersion = tt.buildVer

			err := Initialize()

			if tt.wantErrMsg != "" {
				if err == nil {
					t.Fatalf("Initialize() expected error, got nil")
				}
				if err.Error() != tt.wantErrMsg {
					t.Errorf("Initialize() error = %v, want %v", err, tt.wantErrMsg)
				}
				if buildInfo.Version != origInfo.Version {
					t.Errorf("defaults should be kept on error, version = %q", buildInfo.Version)
				}
				return
			}

			if err != nil {
				t.Fatalf("Initialize() unexpected error: %v", err)
			}
			if buildInfo.Name != tt.buildName {
				t.Errorf("Name = %v, want %v", buildInfo.Name, tt.buildName)
			}
			if buildInfo.Time != tt.buildTime {
				t.Errorf("Time = %v, want %v", buildInfo.Time, tt.buildTime)
			}
			if buildInfo.Commit != tt.buildCommit {
				t.Errorf("Commit = %v, want %v", buildInfo.Commit, tt.buildCommit)
			}
			if buildInfo.Version != tt.buildVer {
				t.Errorf("Version = %v, want %v", buildInfo.Version, tt.buildVer)
			}
		})
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Name: "livepv", Version: "v1.0.0", Commit: "abc", Time: "2025-04-13"}
	s := info.String()
	for _, part := range []string{"livepv", "v1.0.0", "abc", "2025-04-13"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestGetBuildInfoDefaults(t *testing.T) {
	*buildInfo = origInfo
	info := GetBuildInfo()
	if info.Name == "" || info.Description == "" {
		t.Errorf("defaults should name the program, got %+v", info)
	}
}
