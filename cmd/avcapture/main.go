package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/petems/avcapture/internal/app"
	"github.com/petems/avcapture/internal/audio"
	"github.com/petems/avcapture/internal/config"
	"github.com/petems/avcapture/internal/engine"
	"github.com/petems/avcapture/internal/logging"
	"github.com/petems/avcapture/internal/metrics"
	"github.com/petems/avcapture/internal/permissions"
	"github.com/petems/avcapture/internal/recorder"
	"github.com/rs/zerolog"
	strduration "github.com/xhit/go-str2duration/v2"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var errCmdDone = errors.New("cmd done")

type options struct {
	list     bool
	out      string
	duration time.Duration
	save     bool
}

// parseFlags loads the config file and applies command line overrides.
func parseFlags(args []string) (*config.Config, options, error) {
	var opts options

	fs := flag.NewFlagSet("avcapture", flag.ContinueOnError)
	flagVersion := fs.Bool("version", false, "Display current version and exit")
	flagCfgFile := fs.String("config", config.Path(), "Config file to load")
	flagList := fs.Bool("list", false, "List capture devices and exit")
	flagDevice := fs.String("device", "", "Capture device name (default: system default)")
	flagRate := fs.Uint("rate", 0, "Sample rate in Hz")
	flagBits := fs.Uint("bits", 0, "Bits per sample (8, 16, 24 or 32)")
	flagChannels := fs.Uint("channels", 0, "Channel count")
	flagBackend := fs.String("backend", "", "Audio backend (portaudio or miniaudio)")
	flagPolicy := fs.String("match", "", "Format match policy (exact-first or first-mismatch)")
	flagOut := fs.String("out", "capture.pcm", "Raw PCM output file, - for stdout")
	flagDuration := fs.String("duration", "", "Stop after this long (e.g. 30s, 5m, 1h); empty runs until interrupted")
	flagMetrics := fs.String("metrics", "", "ip:port to expose prometheus metrics on")
	flagLogLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error)")
	flagSave := fs.Bool("save", false, "Write the effective settings back to the config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, opts, errCmdDone
		}
		return nil, opts, err
	}

	if *flagVersion {
		fmt.Printf("avcapture %s (%s)\n", Version, Commit)
		return nil, opts, errCmdDone
	}

	cfg, err := config.LoadFrom(*flagCfgFile)
	if err != nil {
		return nil, opts, err
	}

	// Only flags given on the command line override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Audio.Device = *flagDevice
		case "rate":
			cfg.Audio.SampleRate = uint32(*flagRate)
		case "bits":
			cfg.Audio.BitsPerSample = uint16(*flagBits)
		case "channels":
			cfg.Audio.Channels = uint16(*flagChannels)
		case "backend":
			cfg.Audio.Backend = *flagBackend
		case "match":
			cfg.Audio.MatchPolicy = *flagPolicy
		case "metrics":
			cfg.MetricsAddr = *flagMetrics
		case "loglevel":
			cfg.LogLevel = *flagLogLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}

	if *flagDuration != "" {
		opts.duration, err = strduration.ParseDuration(*flagDuration)
		if err != nil {
			return nil, opts, fmt.Errorf("invalid -duration: %w", err)
		}
	}
	opts.list = *flagList
	opts.out = *flagOut
	opts.save = *flagSave
	if opts.save {
		if err := cfg.SaveTo(*flagCfgFile); err != nil {
			return nil, opts, err
		}
	}
	return cfg, opts, nil
}

func main() {
	cfg, opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, errCmdDone) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	if err := run(cfg, opts, log); err != nil {
		log.Fatal().Err(err).Str("kind", audio.Kind(err)).Msg("Capture failed")
	}
}

func run(cfg *config.Config, opts options, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(cfg.Audio.Backend, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	policy, err := audio.ParseMatchPolicy(cfg.Audio.MatchPolicy)
	if err != nil {
		return err
	}

	session := app.NewSession(app.Config{
		Engine:      eng,
		Logger:      log,
		MatchPolicy: policy,
		OnViolation: func(err error) {
			log.Error().Err(err).Msg("Audio engine broke the buffer contract")
		},
	})

	if opts.list {
		return listDevices(os.Stdout, session)
	}

	// macOS delivers silence without microphone approval
	if err := permissions.EnsureMicrophone(); err != nil {
		return err
	}

	out, closeOut, err := openOutput(opts.out)
	if err != nil {
		return err
	}
	defer closeOut()

	rec := recorder.New(out, cfg.Recorder.QueueDepth, log)
	session.SetSink(rec)

	var running atomic.Bool
	if cfg.MetricsAddr != "" {
		m := metrics.New(session.Stats, running.Load, log)
		m.WatchRecorder(rec.Stats)
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	format := cfg.Format()
	if err := session.Initialize(cfg.Audio.Device, format); err != nil {
		rec.Close()
		return err
	}
	defer session.Uninitialize()

	if err := session.Start(); err != nil {
		rec.Close()
		return err
	}
	running.Store(true)

	log.Info().
		Str("device", session.Device().Name).
		Stringer("format", format).
		Str("out", opts.out).
		Dur("duration", opts.duration).
		Msg("avcapture recording")

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case <-deadline:
	}

	if err := session.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop capture")
	}
	running.Store(false)
	session.Uninitialize()

	if err := rec.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", opts.out, err)
	}

	stats, recStats := session.Stats(), rec.Stats()
	log.Info().
		Uint64("buffers", stats.Delivered).
		Uint64("bytes", recStats.Bytes).
		Uint64("dropped", stats.Dropped+recStats.Dropped).
		Uint64("violations", stats.Violations).
		Dur("audio", rec.Duration(format)).
		Msg("Capture complete")
	return nil
}

func listDevices(w io.Writer, session *app.Session) error {
	bw := bufio.NewWriter(w)
	n := 0
	for d, err := range session.Devices() {
		if err != nil {
			return err
		}
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(bw, "%s %s\n", mark, d.Name)
		n++
	}
	if n == 0 {
		fmt.Fprintln(bw, "no capture devices found")
	}
	return bw.Flush()
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
