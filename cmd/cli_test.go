// SPDX-License-Identifier: MIT
package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"livepv/internal/config"
)

func parse(t *testing.T, args ...string) *config.Config {
	t.Helper()
	opts := &options{}
	root := newRootCommand(opts)
	if err := root.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v): %v", args, err)
	}
	cfg := config.Default()
	applyFlags(&cfg, root.Flags(), opts)
	return &cfg
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	def := config.Default()

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, c *config.Config)
	}{
		{"no flags keep config", nil, func(t *testing.T, c *config.Config) {
			if c.Vocoder != def.Vocoder || c.Audio != def.Audio || c.Input != def.Input {
				t.Errorf("config changed without flags: %+v", c)
			}
		}},
		{"vocoder", []string{"--stretch", "2", "--pitch", "0.5", "--fft-size", "1024", "--overlap", "8", "--window", "Hamming"},
			func(t *testing.T, c *config.Config) {
				v := c.Vocoder
				if v.Stretch != 2 || v.Pitch != 0.5 || v.FFTSize != 1024 || v.Overlap != 8 || v.Window != "Hamming" {
					t.Errorf("vocoder = %+v", v)
				}
			}},
		{"audio short flags", []string{"-d", "3", "-c", "1", "-s", "48000", "-b", "256"},
			func(t *testing.T, c *config.Config) {
				a := c.Audio
				if a.OutputDevice != 3 || a.Channels != 1 || a.SampleRate != 48000 || a.FramesPerBuffer != 256 {
					t.Errorf("audio = %+v", a)
				}
			}},
		{"input file", []string{"-i", "song.wav", "--loop", "--start", "1s", "--duration", "2500ms"},
			func(t *testing.T, c *config.Config) {
				in := c.Input
				if in.Path != "song.wav" || !in.Loop || in.Start != time.Second || in.Duration != 2500*time.Millisecond {
					t.Errorf("input = %+v", in)
				}
			}},
		{"tone replaces file", []string{"-i", "song.wav", "--tone", "220"},
			func(t *testing.T, c *config.Config) {
				if c.Input.Path != "" || c.Input.ToneHz != 220 {
					t.Errorf("input = %+v", c.Input)
				}
			}},
		{"capture clip implies capture", []string{"--capture-device", "2", "--capture-clip", "4s"},
			func(t *testing.T, c *config.Config) {
				in := c.Input
				if !in.Capture || in.CaptureDevice != 2 || in.CaptureClip != 4*time.Second {
					t.Errorf("input = %+v", in)
				}
			}},
		{"live source", []string{"-L", "fx/thin.go"}, func(t *testing.T, c *config.Config) {
			if c.Live.Source != "fx/thin.go" {
				t.Errorf("live source = %q", c.Live.Source)
			}
		}},
		{"output implies recording", []string{"-o", filepath.Join("takes", "a.wav")},
			func(t *testing.T, c *config.Config) {
				r := c.Recording
				if !r.Enabled || r.OutputDir != "takes" || r.File != "a.wav" {
					t.Errorf("recording = %+v", r)
				}
			}},
		{"ws disabled", []string{"--ws-addr", ""}, func(t *testing.T, c *config.Config) {
			if c.Transport.WSAddr != "" {
				t.Errorf("ws addr = %q", c.Transport.WSAddr)
			}
		}},
		{"verbose", []string{"-v"}, func(t *testing.T, c *config.Config) {
			if !c.Debug {
				t.Error("verbose should enable debug")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, parse(t, tt.args...))
		})
	}
}

func TestSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"list", "build"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	list, _, _ := root.Find([]string{"list"})
	if list.Flags().ShorthandLookup("i") == nil {
		t.Error("list has no -i flag")
	}
}
