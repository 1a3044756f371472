// SPDX-License-Identifier: MIT
//
// Package build carries the metadata stamped into the binary with -ldflags:
//
//	go build -ldflags "\
//	  -X livepv/pkg/build.buildName=livepv \
//	  -X livepv/pkg/build.buildTime=$(date -u +%FT%TZ) \
//	  -X livepv/pkg/build.buildCommit=$(git rev-parse --short HEAD) \
//	  -X livepv/pkg/build.buildVersion=v0.3.0"
//
// Development builds without ldflags keep the defaults and Initialize
// reports which value was missing.
package build

import "fmt"

// Info describes the running binary.
type Info struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String formats the info for the --version output.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Name, i.Version, i.Commit, i.Time)
}

var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = &Info{
		Name:        "livepv",
		Description: "Live-codeable phase vocoder",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
)

// Initialize copies the ldflags values into the build info. It returns an
// error naming the first missing value and leaves the defaults in place.
func Initialize() error {
	if buildName == "" {
		return fmt.Errorf("BuildName is required")
	}
	if buildTime == "" {
		return fmt.Errorf("BuildTime is required")
	}
	if buildCommit == "" {
		return fmt.Errorf("BuildCommit is required")
	}
	if buildVersion == "" {
		return fmt.Errorf("BuildVersion is required")
	}

	buildInfo.Name = buildName
	buildInfo.Time = buildTime
	buildInfo.Commit = buildCommit
	buildInfo.Version = buildVersion

	return nil
}

// GetBuildInfo returns the current build information.
func GetBuildInfo() *Info {
	return buildInfo
}
