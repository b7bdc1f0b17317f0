package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-frame-recorder/internal/ffmpeg"
	"github.com/video-system/go-frame-recorder/internal/logging"
	"github.com/video-system/go-frame-recorder/pkg/api"
	"github.com/video-system/go-frame-recorder/pkg/capture"
	"github.com/video-system/go-frame-recorder/pkg/input"
	_ "github.com/video-system/go-frame-recorder/pkg/input/synthetic"
	"github.com/video-system/go-frame-recorder/pkg/metrics"
	"github.com/video-system/go-frame-recorder/pkg/preview"
)

const version = "1.0.0"

const usage = `Usage: recorder [flags] <command> [args]

Commands:
  record <seconds> <file>   Record seconds of video to file (0 = until interrupted)
  monitor [seconds]         Live preview only
  speed-test [frames]       Measure acquisition throughput
  snapshot <file.png>       Save one frame

Flags:
`

type options struct {
	configPath string
	inputType  string
	width      int
	height     int
	framerate  float64
	format     string
	logLevel   string
	apiPort    int
	noAPI      bool
	noPreview  bool
}

// newFlagSet registers the command line flags into opts
func newFlagSet(opts *options, errorHandling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet("recorder", errorHandling)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (optional)")
	fs.StringVar(&opts.inputType, "input", "", "Input type ("+strings.Join(input.Names(), ", ")+")")
	fs.IntVar(&opts.width, "width", 0, "Frame width")
	fs.IntVar(&opts.height, "height", 0, "Frame height")
	fs.Float64Var(&opts.framerate, "fps", 0, "Framerate")
	fs.StringVar(&opts.format, "format", "", "Pixel format (bgr24, rgb24, mono8, bayer_gb8)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.IntVar(&opts.apiPort, "port", 0, "Control API port")
	fs.BoolVar(&opts.noAPI, "no-api", false, "Disable the control API")
	fs.BoolVar(&opts.noPreview, "no-preview", false, "Disable the live preview")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	return fs
}

func main() {
	var opts options
	fs := newFlagSet(&opts, flag.ExitOnError)
	fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(fs, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
		os.Exit(1)
	}
	cmd, err := parseCommand(fs.Arg(0), fs.Args()[1:], cfg.Input.Framerate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, cmd); err != nil {
		fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
		os.Exit(1)
	}
}

// command is a validated subcommand invocation
type command struct {
	name   string
	frames uint64 // 0 = until interrupted
	output string
}

// parseCommand checks subcommand arguments before any device is opened
func parseCommand(name string, args []string, framerate float64) (command, error) {
	cmd := command{name: name}
	var err error

	switch name {
	case "record":
		if len(args) != 2 {
			return cmd, fmt.Errorf("usage: record <seconds> <file>")
		}
		if cmd.frames, err = frameCount(args[0], framerate); err != nil {
			return cmd, err
		}
		cmd.output = args[1]

	case "monitor":
		if len(args) > 1 {
			return cmd, fmt.Errorf("usage: monitor [seconds]")
		}
		if len(args) == 1 {
			if cmd.frames, err = frameCount(args[0], framerate); err != nil {
				return cmd, err
			}
		}

	case "speed-test":
		if len(args) > 1 {
			return cmd, fmt.Errorf("usage: speed-test [frames]")
		}
		cmd.frames = uint64(math.Round(framerate * 10))
		if len(args) == 1 {
			if cmd.frames, err = strconv.ParseUint(args[0], 10, 64); err != nil {
				return cmd, fmt.Errorf("invalid frame count %q: %w", args[0], err)
			}
		}

	case "snapshot":
		if len(args) != 1 {
			return cmd, fmt.Errorf("usage: snapshot <file.png>")
		}
		cmd.output = args[0]

	default:
		return cmd, fmt.Errorf("unknown command %q", name)
	}
	return cmd, nil
}

func run(cfg *capture.Config, cmd command) error {
	logger, err := logging.New("frame-recorder", cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting frame recorder",
		zap.String("version", version),
		zap.String("session", cfg.Session.ID),
		zap.String("command", cmd.name),
		zap.String("input", cfg.Input.Type),
		zap.String("resolution", fmt.Sprintf("%dx%d", cfg.Input.Width, cfg.Input.Height)),
		zap.Float64("framerate", cfg.Input.Framerate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Session.ID)
	go m.RunHostSampler(ctx, 5*time.Second)

	src, err := input.Open(cfg.Input.Type, cfg.SourceConfig())
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}

	sessionOpts := capture.Options{
		Source:  src,
		Logger:  logger,
		Metrics: m,
	}

	var hub *preview.Hub
	if cfg.Preview.Enabled {
		hub = preview.NewHub(cfg.Preview.Quality, logger)
		defer hub.Close()
		sessionOpts.Display = hub
	}

	var ff *ffmpeg.FFmpeg
	if cmd.name == "record" {
		ff, err = ffmpeg.New(cfg.Encode.FFmpegPath, logger)
		if err != nil {
			src.Close()
			return err
		}
		if v, err := ff.Version(ctx); err == nil {
			logger.Info("Using ffmpeg", zap.String("path", ff.Path()), zap.String("version", v))
		}
		sessionOpts.Sinks = capture.FFmpegSinks(ff, cfg)
	}

	session, err := capture.NewSession(cfg, sessionOpts)
	if err != nil {
		src.Close()
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Session close", zap.Error(err))
		}
	}()

	if cfg.API.Enabled {
		serverCfg := api.ServerConfig{
			Host:    cfg.API.Host,
			Port:    cfg.API.Port,
			Session: session,
			Metrics: m.Handler(),
			Logger:  logger,
		}
		if hub != nil {
			serverCfg.Preview = hub
		}
		server := api.NewServer(serverCfg)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server error", zap.Error(err))
			}
		}()
		defer server.Stop()
	}

	switch cmd.name {
	case "record":
		res, err := session.Record(ctx, cmd.output, cmd.frames)
		if err != nil {
			return err
		}
		if cfg.Encode.Verify {
			verifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := capture.VerifyRecording(verifyCtx, ff, cfg, res); err != nil {
				return err
			}
			logger.Info("Recording verified", zap.String("output", res.Output))
		}
		return nil

	case "monitor":
		_, err := session.Monitor(ctx, cmd.frames)
		return err

	case "speed-test":
		res, err := session.SpeedTest(ctx, cmd.frames)
		if err != nil {
			return err
		}
		fmt.Printf("%d frames in %v: %.2f fps (nominal %.2f)\n",
			res.Frames, res.Elapsed.Round(time.Millisecond), res.FPS, cfg.Input.Framerate)
		return nil

	case "snapshot":
		_, err := session.Snapshot(ctx, cmd.output)
		return err
	}

	return fmt.Errorf("unknown command %q", cmd.name)
}

// loadConfig reads the config file, if any, and applies flags set on the command line
func loadConfig(fs *flag.FlagSet, opts options) (*capture.Config, error) {
	cfg := capture.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = capture.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input.Type = opts.inputType
		case "width":
			cfg.Input.Width = opts.width
		case "height":
			cfg.Input.Height = opts.height
		case "fps":
			cfg.Input.Framerate = opts.framerate
		case "format":
			cfg.Input.PixelFormat = opts.format
		case "log-level":
			cfg.Log.Level = opts.logLevel
		case "port":
			cfg.API.Port = opts.apiPort
		case "no-api":
			cfg.API.Enabled = !opts.noAPI
		case "no-preview":
			cfg.Preview.Enabled = !opts.noPreview
		}
	})

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// frameCount converts a duration in seconds to round(seconds * framerate)
func frameCount(arg string, framerate float64) (uint64, error) {
	seconds, err := strconv.ParseFloat(arg, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("invalid duration %q", arg)
	}
	return uint64(math.Round(seconds * framerate)), nil
}
