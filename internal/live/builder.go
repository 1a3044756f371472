// SPDX-License-Identifier: MIT
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Builder compiles a transform source into a loadable artifact.
type Builder interface {
	Build(ctx context.Context, src string, attempt uint64) (string, error)
}

// Loader binds a built artifact into a module.
type Loader interface {
	Load(artifact string) (*Module, error)
}

// DefaultBuildCommand compiles a Go file into a plugin. The plugin path has
// to differ per attempt or the runtime refuses to open the new image.
var DefaultBuildCommand = []string{
	"go", "build", "-buildmode=plugin", "-trimpath",
	"-ldflags=-pluginpath=livepv-{gen}",
	"-o", "{out}", "{src}",
}

// CommandBuilder runs an external toolchain. Command arguments may contain
// the placeholders {src}, {out} and {gen}.
type CommandBuilder struct {
	Command []string
	OutDir  string
	// Dir is the working directory of the toolchain. Defaults to the
	// directory holding the source.
	Dir     string
	Env     []string
	Timeout time.Duration
}

// NewCommandBuilder returns a builder using DefaultBuildCommand. Artifacts go
// to outDir, or a fresh temporary directory when empty.
func NewCommandBuilder(outDir string) (*CommandBuilder, error) {
	if outDir == "" {
		dir, err := os.MkdirTemp("", "livepv-build-")
		if err != nil {
			return nil, fmt.Errorf("live: build dir: %w", err)
		}
		outDir = dir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("live: build dir: %w", err)
	}
	return &CommandBuilder{
		Command: DefaultBuildCommand,
		OutDir:  outDir,
		Timeout: 2 * time.Minute,
	}, nil
}

// Build runs the command once. The child is killed when ctx is done or the
// timeout passes; a newer change notification never interrupts it.
func (b *CommandBuilder) Build(ctx context.Context, src string, attempt uint64) (string, error) {
	if len(b.Command) == 0 {
		return "", &BuildError{Attempt: attempt, Err: errors.New("empty build command")}
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", &BuildError{Attempt: attempt, Err: err}
	}
	out := filepath.Join(b.OutDir, fmt.Sprintf("transform-%d-%d.so", time.Now().UnixNano(), attempt))

	args := expandCommand(b.Command, abs, out, attempt)
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = b.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(abs)
	}
	if len(b.Env) > 0 {
		cmd.Env = append(os.Environ(), b.Env...)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return "", &BuildError{Attempt: attempt, Command: args, Output: output.String(), Err: err}
	}
	if _, err := os.Stat(out); err != nil {
		return "", &BuildError{Attempt: attempt, Command: args, Output: output.String(),
			Err: fmt.Errorf("artifact missing: %w", err)}
	}
	return out, nil
}

func expandCommand(tmpl []string, src, out string, attempt uint64) []string {
	r := strings.NewReplacer("{src}", src, "{out}", out, "{gen}", strconv.FormatUint(attempt, 10))
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = r.Replace(a)
	}
	return args
}
