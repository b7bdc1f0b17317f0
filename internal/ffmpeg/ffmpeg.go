package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FFmpeg wraps FFmpeg binary execution
type FFmpeg struct {
	binaryPath string
	probePath  string
	logger     *zap.Logger
}

// New creates a new FFmpeg wrapper. An empty binaryPath searches PATH and
// the usual install locations. ffprobe is optional and only needed by Probe.
func New(binaryPath string, logger *zap.Logger) (*FFmpeg, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if binaryPath == "" {
		p, err := findBinary("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		binaryPath = p
	} else if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	probePath := filepath.Join(filepath.Dir(binaryPath), "ffprobe"+filepath.Ext(binaryPath))
	if _, err := os.Stat(probePath); err != nil {
		probePath, _ = findBinary("ffprobe")
	}

	return &FFmpeg{
		binaryPath: binaryPath,
		probePath:  probePath,
		logger:     logger.Named("ffmpeg"),
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Path returns the ffmpeg binary in use
func (f *FFmpeg) Path() string {
	return f.binaryPath
}

// Version returns the FFmpeg version string
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.binaryPath, "-version").Output()
	if err != nil {
		return "", err
	}

	line, _, _ := strings.Cut(string(output), "\n")
	if line = strings.TrimSpace(line); line == "" {
		return "", fmt.Errorf("no version output")
	}
	return line, nil
}

// EncoderConfig describes a raw BGR24 stdin to file encode
type EncoderConfig struct {
	OutputPath string
	Width      int
	Height     int
	Framerate  float64

	CRF      int    // Constant rate factor, 0 leaves it to Params
	Params   string // Extra output options, e.g. "-codec:v libx264 -preset ultrafast"
	LogLevel string // ffmpeg -loglevel value
}

// Process is a running FFmpeg encoder fed through stdin. It satisfies the
// encoder sink contract: one Write per frame, Close flushes the file.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	exited  chan struct{}
	waitErr error
}

// StartEncoder launches ffmpeg reading raw frames from stdin.
// The process is not tied to a context and runs in its own process group:
// a cancelled or interrupted session still needs to flush and finalise the
// container through Close.
func (f *FFmpeg) StartEncoder(cfg EncoderConfig) (*Process, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Framerate <= 0 {
		return nil, fmt.Errorf("invalid framerate %v", cfg.Framerate)
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}

	args := buildEncoderArgs(cfg)
	cmd := exec.Command(f.binaryPath, args...)
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		logger: f.logger.With(zap.String("output", cfg.OutputPath), zap.Int("pid", cmd.Process.Pid)),
		exited: make(chan struct{}),
	}
	p.logger.Info("Encoder started", zap.Strings("args", args))

	go p.monitor(bufio.NewScanner(stderr))
	return p, nil
}

// monitor forwards stderr to the logger, then reaps the process
func (p *Process) monitor(scanner *bufio.Scanner) {
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			p.logger.Warn("ffmpeg", zap.String("line", line))
		}
	}

	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// Write writes one raw frame to FFmpeg stdin
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(data)
}

// Close closes stdin and waits for FFmpeg to finish writing the file
func (p *Process) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.stdin.Close()
	}
	p.mu.Unlock()

	<-p.exited
	if p.waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w", p.waitErr)
	}
	p.logger.Info("Encoder finished")
	return nil
}

// Kill forcefully terminates the process
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	p.logger.Warn("Killing encoder")
	return p.cmd.Process.Kill()
}

// Exited is closed once the process has been reaped
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// buildEncoderArgs builds FFmpeg arguments for a raw BGR24 stdin encode
func buildEncoderArgs(cfg EncoderConfig) []string {
	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}

	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", logLevel,
		"-y", // Overwrite output

		// Input
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.Framerate, 'f', 3, 64),
		"-i", "-", // Read from stdin
	}

	if cfg.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(cfg.CRF))
	}
	args = append(args, strings.Fields(cfg.Params)...)

	return append(args, "-an", cfg.OutputPath)
}
