// SPDX-License-Identifier: MIT
package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := GetLevel()
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(prev)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"Warning", LevelWarn, true},
		{" error ", LevelError, true},
		{"fatal", LevelFatal, true},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLevelGating(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelWarn)

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestComponentLogger(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelDebug)

	lg := With("live")
	lg.Info("published module", "generation", 3)

	out := buf.String()
	for _, want := range []string{"component=live", "generation=3", "published module", "level=INFO"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	buf := captureOutput(t)
	lg := With("ring")

	SetLevel(LevelError)
	lg.Warnf("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	SetLevel(LevelDebug)
	lg.Debugf("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("debug line missing after lowering level: %q", buf.String())
	}
}

func TestFatalfExits(t *testing.T) {
	buf := captureOutput(t)
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })

	Fatalf("device gone: %s", "hw:0")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "device gone: hw:0") {
		t.Errorf("fatal line missing: %q", buf.String())
	}
}
