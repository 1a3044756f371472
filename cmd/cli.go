// SPDX-License-Identifier: MIT
//
// Package cmd is the command line front end: it turns flags and the YAML
// config into a running session.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"livepv/internal/audio"
	"livepv/internal/config"
	"livepv/internal/control"
	"livepv/internal/live"
	"livepv/internal/log"
	"livepv/internal/observe"
	"livepv/internal/pipeline"
	"livepv/internal/transport"
	"livepv/internal/transport/udp"
	"livepv/internal/tui"
	"livepv/internal/vocoder"
	"livepv/pkg/build"
)

var logger = log.With("cli")

// options mirrors the flags. Values only reach the config when the flag
// was set on the command line.
type options struct {
	configPath string

	input    string
	tone     float64
	liveSrc  string
	loop     bool
	start    time.Duration
	duration time.Duration

	capture       bool
	captureDevice int
	captureClip   time.Duration

	stretch float64
	pitch   float64
	fftSize int
	overlap int
	window  string

	deviceID        int
	channels        int
	sampleRate      float64
	framesPerBuffer int

	record bool
	output string
	wsAddr string

	verbose bool
}

// NewRootCommand builds the livepv command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&options{})
}

func newRootCommand(opts *options) *cobra.Command {
	info := build.GetBuildInfo()

	rootCmd := &cobra.Command{
		Use:           info.Name,
		Short:         info.Description,
		Version:       info.String(),
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file (default: ./config.yaml or ./livepv.yaml if present)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Show debug output")

	// Input
	rf := rootCmd.Flags()
	rf.StringVarP(&opts.input, "input", "i", "", "WAV or MP3 file to play")
	rf.Float64Var(&opts.tone, "tone", config.DefaultToneHz, "Play a sine tone at this frequency instead of a file")
	rf.StringVarP(&opts.liveSrc, "live", "L", "", "Go source of the live transform to watch and reload")
	rf.BoolVar(&opts.loop, "loop", false, "Restart the input file when it ends")
	rf.DurationVar(&opts.start, "start", 0, "Skip this much of the input")
	rf.DurationVar(&opts.duration, "duration", 0, "Play at most this much of the input")
	rf.BoolVar(&opts.capture, "capture", false, "Process the input device live instead of a file or tone")
	rf.IntVar(&opts.captureDevice, "capture-device", config.DefaultDeviceID, "Input device ID for --capture (-1 for default)")
	rf.DurationVar(&opts.captureClip, "capture-clip", 0, "Record a clip this long from the input device, crop it and play it")

	// Vocoder
	rf.Float64Var(&opts.stretch, "stretch", 1, "Time-stretch factor (2 plays twice as long)")
	rf.Float64Var(&opts.pitch, "pitch", 1, "Pitch-shift factor (2 is one octave up)")
	rf.IntVar(&opts.fftSize, "fft-size", config.DefaultFFTSize, "FFT frame size, a power of two")
	rf.IntVar(&opts.overlap, "overlap", config.DefaultOverlap, "Frames per FFT size; hop = fft-size / overlap")
	rf.StringVar(&opts.window, "window", config.DefaultWindow, "Analysis window (Hann, Hamming, Blackman...)")

	// Audio device
	rf.IntVarP(&opts.deviceID, "device", "d", config.DefaultDeviceID,
		"Output device ID. Use 'list' command to see available devices.")
	rf.IntVarP(&opts.channels, "channels", "c", config.DefaultChannels,
		"Output channels; the input is remixed to match")
	rf.Float64VarP(&opts.sampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Sample rate in Hz, 0 follows the input file")
	rf.IntVarP(&opts.framesPerBuffer, "frames-per-buffer", "b", config.DefaultFramesPerBuffer,
		"The number of frames per buffer (affects latency)")

	// Recording and control
	rf.BoolVarP(&opts.record, "record", "r", false, "Record the processed output")
	rf.StringVarP(&opts.output, "output", "o", "",
		"Recording file. Default is recordings/livepv-YYYYMMDD-HHMMSS.wav")
	rf.StringVar(&opts.wsAddr, "ws-addr", config.DefaultWSAddr, "Control websocket and /metrics address, empty disables")

	rootCmd.AddCommand(newListCommand(), newBuildCommand(opts))
	return rootCmd
}

// Execute runs the command line against os.Args.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(os.Args[1:])
	return rootCmd.ExecuteContext(ctx)
}

func newListCommand() *cobra.Command {
	interactive := false
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !interactive {
				if err := audio.Initialize(); err != nil {
					return err
				}
				defer audio.Terminate()
				return audio.ListDevices()
			}

			sel, err := tui.PickOutputDevice()
			if err != nil || sel == nil {
				return err
			}
			// Print a config fragment ready to paste.
			audioCfg := config.Default().Audio
			audioCfg.OutputDevice = sel.DeviceID
			audioCfg.SampleRate = sel.SampleRate
			audioCfg.LowLatency = sel.LowLatency
			out, err := yaml.Marshal(map[string]config.AudioConfig{"audio": audioCfg})
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", sel.Name, out)
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Pick a device in a full screen picker")
	return listCmd
}

func newBuildCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "build <src>",
		Short: "Build and load a transform once, then report the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg, opts.verbose)
			return buildOnce(cmd.Context(), cfg, args[0])
		},
	}
}

// buildOnce runs one build and load cycle and probes the module against the
// configured frame size.
func buildOnce(ctx context.Context, cfg *config.Config, src string) error {
	lc := cfg.Live
	builder, err := live.NewCommandBuilder(lc.BuildDir)
	if err != nil {
		return err
	}
	if len(lc.BuildCommand) > 0 {
		builder.Command = lc.BuildCommand
	}
	if lc.BuildTimeout > 0 {
		builder.Timeout = lc.BuildTimeout
	}

	registry := live.NewRegistry()
	defer registry.Close()

	w, err := live.NewWatcher(src, builder, &live.PluginLoader{Symbol: lc.Symbol}, registry)
	if err != nil {
		return err
	}
	res, err := w.BuildNow(ctx)
	if err != nil {
		return err
	}
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "build %s: %s\n%s\n", res.Status, src, res.Message)
		if res.Err == nil {
			return fmt.Errorf("build %s", res.Status)
		}
		return res.Err
	}

	rate := cfg.Audio.SampleRate
	if rate == 0 {
		rate = config.DefaultToneSampleRate
	}
	m, gen := registry.Current()
	if err := vocoder.Probe(m, cfg.Vocoder.FFTSize, rate); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	fmt.Printf("ok: %s generation %d (%s, built in %s)\n", m.Name(), gen, res.Artifact, res.Duration.Round(time.Millisecond))
	return nil
}

// loadConfig reads the YAML config and layers the changed flags on top.
func loadConfig(flags *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, flags, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applyLogLevel(cfg, opts.verbose)
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags *pflag.FlagSet, opts *options) {
	set := flags.Changed

	if set("input") {
		cfg.Input.Path = opts.input
	}
	if set("tone") {
		cfg.Input.Path = ""
		cfg.Input.ToneHz = opts.tone
	}
	if set("live") {
		cfg.Live.Source = opts.liveSrc
	}
	if set("loop") {
		cfg.Input.Loop = opts.loop
	}
	if set("start") {
		cfg.Input.Start = opts.start
	}
	if set("duration") {
		cfg.Input.Duration = opts.duration
	}
	if set("capture") {
		cfg.Input.Capture = opts.capture
	}
	if set("capture-device") {
		cfg.Input.CaptureDevice = opts.captureDevice
	}
	if set("capture-clip") {
		cfg.Input.Capture = true
		cfg.Input.CaptureClip = opts.captureClip
	}

	if set("stretch") {
		cfg.Vocoder.Stretch = opts.stretch
	}
	if set("pitch") {
		cfg.Vocoder.Pitch = opts.pitch
	}
	if set("fft-size") {
		cfg.Vocoder.FFTSize = opts.fftSize
	}
	if set("overlap") {
		cfg.Vocoder.Overlap = opts.overlap
	}
	if set("window") {
		cfg.Vocoder.Window = opts.window
	}

	if set("device") {
		cfg.Audio.OutputDevice = opts.deviceID
	}
	if set("channels") {
		cfg.Audio.Channels = opts.channels
	}
	if set("sample-rate") {
		cfg.Audio.SampleRate = opts.sampleRate
	}
	if set("frames-per-buffer") {
		cfg.Audio.FramesPerBuffer = opts.framesPerBuffer
	}

	if set("record") {
		cfg.Recording.Enabled = opts.record
	}
	if set("output") {
		cfg.Recording.Enabled = true
		cfg.Recording.OutputDir = filepath.Dir(opts.output)
		cfg.Recording.File = filepath.Base(opts.output)
	}
	if set("ws-addr") {
		cfg.Transport.WSAddr = opts.wsAddr
	}
	if opts.verbose {
		cfg.Debug = true
	}
}

func applyLogLevel(cfg *config.Config, verbose bool) {
	if verbose || cfg.Debug {
		log.SetLevel(log.LevelDebug)
		return
	}
	if level, ok := log.ParseLevel(cfg.LogLevelName()); ok {
		log.SetLevel(level)
	}
}

// run wires the pipeline to the device, the control socket and the status
// outputs, then plays until ctx ends or the input finishes.
func run(ctx context.Context, cfg *config.Config) error {
	if err := audio.Initialize(); err != nil {
		return err
	}
	defer audio.Terminate()

	var (
		deps   pipeline.Deps
		wsOpts []transport.Option
		status = transport.Multi{transport.NewLoggingTransport()}
	)

	if cfg.Metrics.Enabled {
		provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceVersion: build.GetBuildInfo().Version,
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "err", err)
			}
		}()
		if deps.Metrics, err = observe.NewMetrics(provider.MeterProvider); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		wsOpts = append(wsOpts, transport.WithHTTPHandler("/metrics", provider.Handler()))
	}

	// The control handler needs the pipeline, which needs the transport.
	var ctl control.Controller
	var ws *transport.WebSocketTransport
	if cfg.Transport.WSAddr != "" {
		wsOpts = append(wsOpts, transport.WithHandler(func(msg []byte) any {
			return control.Handle(ctl, msg)
		}))
		ws = transport.NewWebSocketTransport(cfg.Transport.WSAddr, wsOpts...)
		status = append(status, ws)
	}
	deps.Status = status

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}
	ctl = p

	if ws != nil {
		if err := ws.Start(); err != nil {
			logger.Warn("control socket disabled", "addr", cfg.Transport.WSAddr, "err", err)
		} else {
			logger.Info("control socket listening", "addr", ws.Addr())
		}
		defer ws.Close()
	}

	if cfg.Transport.UDPEnabled {
		stopUDP, err := startUDP(cfg.Transport, p.Status)
		if err != nil {
			logger.Warn("udp status disabled", "err", err)
		} else {
			defer stopUDP()
		}
	}

	err = p.Run(ctx)
	if errors.Is(err, audio.ErrDeviceFailure) {
		return fmt.Errorf("output device failed: %w", err)
	}
	return err
}

// startUDP publishes status packets until the returned stop is called.
func startUDP(tc config.TransportConfig, status udp.StatusFunc) (stop func() error, err error) {
	sender, err := udp.NewUDPSender(tc.UDPTargetAddress)
	if err != nil {
		return nil, err
	}
	publisher, err := udp.NewUDPPublisher(tc.UDPSendInterval, sender, status)
	if err != nil {
		sender.Close()
		return nil, err
	}
	publisher.Start()
	logger.Info("udp status", "target", sender.Target(), "interval", tc.UDPSendInterval)
	return func() error {
		return errors.Join(publisher.Close(), sender.Close())
	}, nil
}
