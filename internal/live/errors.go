// SPDX-License-Identifier: MIT
package live

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBuildFailed matches every BuildError.
	ErrBuildFailed = errors.New("live: build failed")
	// ErrLoadFailed matches every LoadError.
	ErrLoadFailed = errors.New("live: load failed")

	ErrNilModule        = errors.New("live: nil module")
	ErrAlreadyPublished = errors.New("live: module already published")
	ErrNotLoaded        = errors.New("live: module is not loaded")
	ErrClosed           = errors.New("live: registry closed")
)

// BuildError carries the toolchain diagnostics of a failed build.
type BuildError struct {
	Attempt uint64
	Command []string
	Output  string
	Err     error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("live: build attempt %d failed: %v", e.Attempt, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

func (e *BuildError) Is(target error) bool { return target == ErrBuildFailed }

// LoadError reports an artifact that built but could not be bound.
type LoadError struct {
	Artifact string
	Symbol   string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("live: load %s: symbol %s: %v", e.Artifact, e.Symbol, e.Err)
	}
	return fmt.Sprintf("live: load %s: %v", e.Artifact, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoadFailed }
